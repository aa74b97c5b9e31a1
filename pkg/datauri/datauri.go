// Package datauri 负责内联图片字符串 "data:<mime>;base64,<payload>" 的解析与生成。
package datauri

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const scheme = "data:"

var (
	// ErrMalformed 表示字符串缺少 mime 声明或逗号分隔的数据部分。
	ErrMalformed = errors.New("malformed data uri")
)

// Image 是解码后的内联图片。
type Image struct {
	MIMEType string
	Data     []byte
}

// Parse 把 data URI 拆成 mime 类型和解码后的字节。
// mime 必须位于 "data:" 与第一个 ';' 之间，数据部分位于第一个 ',' 之后。
func Parse(s string) (Image, error) {
	if !strings.HasPrefix(s, scheme) {
		return Image{}, fmt.Errorf("%w: missing %q prefix", ErrMalformed, scheme)
	}
	header, payload, ok := strings.Cut(s[len(scheme):], ",")
	if !ok {
		return Image{}, fmt.Errorf("%w: missing ',' separator", ErrMalformed)
	}
	mimeType, params, ok := strings.Cut(header, ";")
	if !ok || strings.TrimSpace(mimeType) == "" {
		return Image{}, fmt.Errorf("%w: missing mime type", ErrMalformed)
	}
	if payload == "" {
		return Image{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if !strings.Contains(params, "base64") {
		return Image{}, fmt.Errorf("%w: payload is not base64", ErrMalformed)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Image{MIMEType: strings.TrimSpace(mimeType), Data: data}, nil
}

// Format 生成 "data:<mime>;base64,<payload>" 字符串。
func Format(mimeType string, data []byte) string {
	return scheme + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Extension 根据 mime 类型给出对象存储使用的文件扩展名。
func Extension(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
