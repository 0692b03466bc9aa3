package ffwork

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestWriteConcatList(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		filepath.Join(dir, "1000.webm"),
		filepath.Join(dir, "o'clock.webm"),
	}
	list := filepath.Join(dir, "concat_list.txt")
	if err := WriteConcatList(list, files); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(list)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatal(lines)
	}
	if lines[1] != "file '"+filepath.Join(dir, `o'\''clock.webm`)+"'" {
		t.Fatalf("escape: %s", lines[1])
	}
	if got := ParseConcatList(string(b)); !reflect.DeepEqual(got, files) {
		t.Fatalf("parse: %v", got)
	}

	if err := WriteConcatList(list, nil); err == nil {
		t.Fatal("expect error on empty list")
	}
}

func TestConcatArgs(t *testing.T) {
	args := ConcatArgs("/a/list.txt", "/a/out.webm")
	expect := "-hide_banner -loglevel error -f concat -safe 0 -i /a/list.txt -c copy -y /a/out.webm"
	if strings.Join(args, " ") != expect {
		t.Fatal(args)
	}
}

func TestCaptureArgs(t *testing.T) {
	args := CaptureArgs([]string{"-f", "lavfi", "-i", "testsrc"}, 1500*time.Millisecond, "/c/chunk_0001.mp4")
	expect := "-hide_banner -loglevel error -f lavfi -i testsrc -t 1.500 -y /c/chunk_0001.mp4"
	if strings.Join(args, " ") != expect {
		t.Fatal(args)
	}
}
