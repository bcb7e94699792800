package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrChatLocked is returned when another process holds a chat's lock
var ErrChatLocked = errors.New("chat is open in another process")

const lockRetryDelay = 100 * time.Millisecond

// ChatLock keeps a second process from opening a chat whose transcript is
// held in memory here. It uses flock, so a lock left by a dead process is
// free again.
type ChatLock struct {
	path string
	file *os.File
}

// LockPath returns where the lock for chatID next to the database at
// dbPath lives
func LockPath(dbPath, chatID string) string {
	return filepath.Join(filepath.Dir(normalizeSQLitePath(dbPath)), "locks", chatID+".lock")
}

// LockChat acquires the lock for chatID, retrying until ctx is done
func LockChat(ctx context.Context, dbPath, chatID string) (*ChatLock, error) {
	l := &ChatLock{path: LockPath(dbPath, chatID)}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	for {
		err := l.tryLock()
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrChatLocked) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (%s)", ErrChatLocked, l.holder())
		case <-time.After(lockRetryDelay):
		}
	}
}

func (l *ChatLock) tryLock() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return ErrChatLocked
		}
		return fmt.Errorf("failed to acquire system lock: %w", err)
	}

	info := fmt.Sprintf("pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(info), 0)
	}
	if err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return fmt.Errorf("failed to write lock info: %w", err)
	}

	l.file = file
	return nil
}

func (l *ChatLock) holder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "holder unknown"
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "pid:%d", &pid); err != nil {
		return "holder unknown"
	}
	return "pid " + strings.TrimSpace(fmt.Sprint(pid))
}

// Unlock releases the lock. Calling it twice is harmless.
func (l *ChatLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}

	var lastErr error
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		lastErr = fmt.Errorf("failed to remove lock file: %w", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil && lastErr == nil {
		lastErr = fmt.Errorf("failed to release system lock: %w", err)
	}
	if err := l.file.Close(); err != nil && lastErr == nil {
		lastErr = fmt.Errorf("failed to close lock file: %w", err)
	}
	l.file = nil
	return lastErr
}
