// Package fftest 提供替代 ffmpeg 的辅助进程，用于测试
//
// 使用方式: 测试包中定义
//
//	func TestHelperProcess(t *testing.T) { fftest.RunHelper() }
//
// 再以 fftest.Command(fftest.ModeOK) 作为 ffwork.CommandFunc
package fftest

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gowvp/astra/pkg/ffwork"
)

type Mode string

const (
	// ModeOK concat 拼接列表中文件内容，capture 写入固定内容
	ModeOK Mode = "ok"
	// ModeFail 退出码 1，不产生输出
	ModeFail Mode = "fail"
	// ModeHang 一直阻塞直到被终止
	ModeHang Mode = "hang"
	// ModeSlow 延迟 FFTEST_DELAY 后按 ModeOK 执行
	ModeSlow Mode = "slow"
	// ModeEmpty 退出码 0，但输出空文件
	ModeEmpty Mode = "empty"
)

const (
	envWant    = "GO_WANT_HELPER_PROCESS"
	envRole    = "FFTEST_ROLE"
	envMode    = "FFTEST_MODE"
	envDelay   = "FFTEST_DELAY"
	envCounter = "FFTEST_COUNTER"
	envFail    = "FFTEST_FAIL_UNTIL"
)

// Option 追加辅助进程的环境变量
type Option func(*[]string)

// WithDelay ModeSlow 的延迟
func WithDelay(d time.Duration) Option {
	return func(env *[]string) { *env = append(*env, envDelay+"="+d.String()) }
}

// WithCounter 每次调用向 path 追加一行，用于统计调用次数
func WithCounter(path string) Option {
	return func(env *[]string) { *env = append(*env, envCounter+"="+path) }
}

// WithFailUntil 前 n 次调用失败，之后按 mode 执行，需配合 WithCounter
func WithFailUntil(n int) Option {
	return func(env *[]string) { *env = append(*env, envFail+"="+strconv.Itoa(n)) }
}

// Command 返回以当前测试二进制作为 ffmpeg 的 CommandFunc
func Command(mode Mode, opts ...Option) ffwork.CommandFunc {
	return func(ctx context.Context, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		env := append(os.Environ(), envWant+"=1", envRole+"=ffmpeg", envMode+"="+string(mode))
		for _, fn := range opts {
			fn(&env)
		}
		cmd.Env = env
		return cmd
	}
}

// Role 辅助进程角色，ffmpeg 以外的角色由测试包自行处理
func Role() string {
	if os.Getenv(envWant) != "1" {
		return ""
	}
	return os.Getenv(envRole)
}

// Args 辅助进程 "--" 之后的参数
func Args() []string {
	for i, a := range os.Args {
		if a == "--" {
			return os.Args[i+1:]
		}
	}
	return nil
}

// Calls 读取计数文件中的调用次数
func Calls(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return strings.Count(string(b), "\n")
}

// RunHelper 非辅助进程时直接返回，否则执行伪 ffmpeg 并退出
func RunHelper() {
	if Role() != "ffmpeg" {
		return
	}
	os.Exit(run(Args()))
}

func run(args []string) int {
	mode := Mode(os.Getenv(envMode))

	if path := os.Getenv(envCounter); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintln(f, os.Getpid())
			f.Close()
		}
		if n, _ := strconv.Atoi(os.Getenv(envFail)); n > 0 && Calls(path) <= n {
			mode = ModeFail
		}
	}

	switch mode {
	case ModeFail:
		fmt.Fprintln(os.Stderr, "fftest: simulated failure")
		return 1
	case ModeHang:
		time.Sleep(time.Hour)
		return 0
	case ModeSlow:
		d, _ := time.ParseDuration(os.Getenv(envDelay))
		time.Sleep(d)
	}

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "fftest: no output")
		return 1
	}
	output := args[len(args)-1]
	out, err := os.Create(output)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer out.Close()

	if mode == ModeEmpty {
		return 0
	}

	list := flagValue(args, "-i")
	if flagValue(args, "-f") != "concat" {
		// 采集，写入输出文件名便于断言
		fmt.Fprintf(out, "capture:%s", output)
		return 0
	}

	b, err := os.ReadFile(list)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, f := range ffwork.ParseConcatList(string(b)) {
		in, err := os.Open(f)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	return 0
}

func flagValue(args []string, name string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}
