package logrecorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RotateInterval 日志文件轮换周期
const RotateInterval = 5 * time.Minute

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 base 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(base string) (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(base, dirName)

	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return "", fmt.Errorf("创建文件夹失败: %w", err)
	}
	return fullPath, nil
}

// Recorder points a logrus logger at a dated log file and rotates it.
type Recorder struct {
	mu     sync.Mutex
	logger *logrus.Logger
	base   string
	prefix string
	file   *os.File
	path   string
}

func New(logger *logrus.Logger, base, prefix string) *Recorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if base == "" {
		base = "."
	}
	return &Recorder{logger: logger, base: base, prefix: prefix}
}

// Rotate opens a new file named after the current time and closes the old one.
func (r *Recorder) Rotate() error {
	dir, err := MakeDir(r.base)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%s.log", r.prefix, NowString()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.SetOutput(f)
	if r.file != nil {
		r.file.Close()
	}
	r.file = f
	r.path = path
	return nil
}

// Path returns the file currently written to.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Run rotates every interval until ctx is done, then restores stderr.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.C:
			if err := r.Rotate(); err != nil {
				r.logger.WithError(err).Error("日志轮换失败")
			}
		}
	}
}

func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.SetOutput(os.Stderr)
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// InitAndRotate 初始化日志记录器，并每 5 分钟轮换一次日志文件
func InitAndRotate(ctx context.Context, logger *logrus.Logger, prefix string) (*Recorder, error) {
	r := New(logger, ".", prefix)
	if err := r.Rotate(); err != nil {
		return nil, err
	}
	go r.Run(ctx, RotateInterval)
	return r, nil
}
