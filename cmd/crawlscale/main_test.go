package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStopMetricsServer(t *testing.T) {
	t.Run("正常关闭", func(t *testing.T) {
		server := serveMetrics("127.0.0.1:0", prometheus.NewRegistry())
		if err := stopMetricsServer(server, time.Second); err != nil {
			t.Errorf("关闭失败: %v", err)
		}
	})

	t.Run("请求未结束时超时", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("监听失败: %v", err)
		}

		entered := make(chan struct{})
		release := make(chan struct{})
		defer close(release)
		server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
		})}
		go server.Serve(ln)
		go http.Get("http://" + ln.Addr().String() + "/metrics")

		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("请求未到达")
		}

		err = stopMetricsServer(server, 10*time.Millisecond)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("期望超时错误, 实际: %v", err)
		}
	})
}
