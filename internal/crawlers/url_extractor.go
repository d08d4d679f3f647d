package crawlers

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/RecoveryAshes/crawlscale/internal/utils"
	"golang.org/x/net/html"
)

// ExtractLinks 从HTML中提取 a[href] 和 script[src] 链接
// 返回去重后的绝对URL,只保留http/https
func ExtractLinks(htmlContent string, baseURL string) ([]string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("解析HTML失败: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("解析baseURL失败: %w", err)
	}

	seen := make(map[string]bool)
	links := []string{}
	add := func(raw string) {
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		link := abs.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "base":
				// <base href> 改变相对链接的解析基准
				if href := attr(n, "href"); href != "" {
					if ref, err := url.Parse(href); err == nil {
						base = base.ResolveReference(ref)
					}
				}
			case "a":
				if href := attr(n, "href"); href != "" {
					add(href)
				}
			case "script":
				if src := attr(n, "src"); src != "" {
					add(src)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return links, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// EnqueueLinks 把链接以depth入队,返回实际入队数量
// 重复、跨域、超深度的链接静默跳过
func EnqueueLinks(queue *RequestQueue, links []string, depth int) int {
	count := 0
	for _, link := range links {
		err := queue.Push(link, depth)
		switch {
		case err == nil:
			count++
		case errors.Is(err, ErrAlreadyQueued), errors.Is(err, ErrCrossDomain), errors.Is(err, ErrDepthExceeded):
		default:
			utils.Debugf("链接入队失败 [%s]: %v", link, err)
		}
	}
	return count
}
