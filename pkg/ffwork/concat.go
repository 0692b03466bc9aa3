package ffwork

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ConcatArgs concat demuxer 拼接参数，-c copy 不转码
// -safe 0 允许列表中出现绝对路径
func ConcatArgs(listPath, output string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		output,
	}
}

// CaptureArgs 定长采集参数，input 为输入相关参数(如 -f x11grab -i :0.0)
func CaptureArgs(input []string, duration time.Duration, output string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
	}
	args = append(args, input...)
	if duration > 0 {
		args = append(args, "-t", strconv.FormatFloat(duration.Seconds(), 'f', 3, 64))
	}
	return append(args, "-y", output)
}

// EscapeConcatPath 单引号转义为 '\''
func EscapeConcatPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}

// WriteConcatList 写入 concat 列表文件，每行一个绝对路径
func WriteConcatList(listPath string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("empty concat list")
	}
	var b strings.Builder
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\n", EscapeConcatPath(abs))
	}
	return os.WriteFile(listPath, []byte(b.String()), 0o644)
}

// ParseConcatList 解析 WriteConcatList 生成的内容
func ParseConcatList(content string) []string {
	var files []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "file ") {
			continue
		}
		v := strings.TrimSpace(strings.TrimPrefix(line, "file "))
		v = strings.TrimPrefix(v, "'")
		v = strings.TrimSuffix(v, "'")
		files = append(files, strings.ReplaceAll(v, `'\''`, "'"))
	}
	return files
}
