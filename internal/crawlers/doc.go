// Package crawlers 提供爬取请求队列和页面抓取器
//
// # 概述
//
// crawlers包不负责并发控制,每次Fetch只处理一个请求。
// 并发由autoscaling.AutoscaledPool根据系统负载统一调度,
// 抓取器只需要把限流情况记录到RateLimitStats,供快照采集器判断客户端是否过载。
//
// # 核心组件
//
// ## RequestQueue
//
// FIFO请求队列,负责去重、深度限制和跨域过滤。
// 种子URL通过AddSeed加入,其主机自动加入允许列表。
//
//	queue := NewRequestQueue(false, 2)
//	queue.AddSeed("https://example.com")
//
//	req := queue.Fetch()          // 队列为空时返回nil,不阻塞
//	queue.MarkHandled(req)        // 或 queue.Reclaim(req) 放回重试
//	done := queue.IsFinished()    // 没有待处理也没有处理中的请求
//
// ## StaticFetcher
//
// 基于Colly的静态抓取器,支持gzip、deflate、brotli压缩响应,
// 通过OnHTML回调提取 a[href] 和 script[src] 链接。
// HTTP 429时按第几次尝试记录到RateLimitStats,然后按RetryDelay线性退避重试。
//
//	fetcher := NewStaticFetcher(config, headers, stats)
//	result, err := fetcher.Fetch(ctx, req)
//
// ## DynamicFetcher
//
// 基于go-rod的动态抓取器,第一次Fetch时启动浏览器。
// 标签页由PagePool复用,渲染后的HTML交给ExtractLinks提取链接。
//
// ## RateLimitStats
//
// 按尝试次数索引的限流错误计数,实现autoscaling.ClientStatsProvider。
// 索引2(第三次尝试仍被限流)的增量用于判断客户端是否过载。
package crawlers
