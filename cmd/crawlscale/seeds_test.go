package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seeds.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写入种子文件失败: %v", err)
	}
	return path
}

func TestReadSeedFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
		wantErr bool
	}{
		{
			name:    "跳过注释、空行和无效URL",
			content: "# 种子\nhttps://a.example\n\nftp://bad\nhttp://b.example/path\n",
			want:    []string{"https://a.example", "http://b.example/path"},
		},
		{
			name:    "补全协议并去掉行尾注释",
			content: "c.example/docs   # 文档站\n  https://d.example  \n",
			want:    []string{"https://c.example/docs", "https://d.example"},
		},
		{
			name:    "没有有效URL",
			content: "# only comments\n\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readSeedFile(writeSeedFile(t, tt.content))
			if tt.wantErr {
				if err == nil {
					t.Error("应返回错误")
				}
				return
			}
			if err != nil {
				t.Fatalf("读取失败: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("结果 = %v, 期望 %v", got, tt.want)
			}
		})
	}

	t.Run("文件不存在", func(t *testing.T) {
		if _, err := readSeedFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
			t.Error("应返回错误")
		}
	})
}

func TestLoadSeeds(t *testing.T) {
	file := writeSeedFile(t, "https://a.example\nb.example\nhttps://a.example\n")

	tests := []struct {
		name    string
		target  string
		file    string
		want    []string
		wantErr bool
	}{
		{"只有目标URL", "example.com", "", []string{"https://example.com"}, false},
		{"只有种子文件并去重", "", file, []string{"https://a.example", "https://b.example"}, false},
		{"目标URL排在最前", "b.example", file, []string{"https://b.example", "https://a.example"}, false},
		{"种子文件不存在", "", filepath.Join(t.TempDir(), "missing.txt"), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadSeeds(tt.target, tt.file)
			if tt.wantErr {
				if err == nil {
					t.Error("应返回错误")
				}
				return
			}
			if err != nil {
				t.Fatalf("加载失败: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("结果 = %v, 期望 %v", got, tt.want)
			}
		})
	}
}
