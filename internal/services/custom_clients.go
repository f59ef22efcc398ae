package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"WG-Telegram-bot/internal/logger"
)

var peerSeparators = regexp.MustCompile(`[,\s;]+`)

// CustomClients: ручные привязки Telegram ID к дополнительным пирам WGDashboard.
// Строки файла: "123456789=key1,key2" или "123456789:key1 key2", строки с # пропускаются.
type CustomClients struct {
	path  string
	mu    sync.RWMutex
	peers map[int64][]string
}

// LoadCustomClients читает файл привязок. Отсутствующий файл: пустой список.
func LoadCustomClients(path string) (*CustomClients, error) {
	c := &CustomClients{path: path, peers: map[int64][]string{}}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CustomClients) Reload() error {
	f, err := os.Open(c.path)
	if errors.Is(err, os.ErrNotExist) {
		c.set(map[int64][]string{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("open custom clients: %w", err)
	}
	defer f.Close()
	peers, err := parseCustomClients(f)
	if err != nil {
		return fmt.Errorf("read custom clients %s: %w", c.path, err)
	}
	c.set(peers)
	return nil
}

func (c *CustomClients) set(peers map[int64][]string) {
	c.mu.Lock()
	c.peers = peers
	c.mu.Unlock()
}

func (c *CustomClients) Peers(userID int64) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.peers[userID]...)
}

// JobID: детерминированный id задачи ограничения для ручного пира
func (c *CustomClients) JobID(userID int64, peerID string) string {
	return CustomJobID(userID, peerID)
}

func CustomJobID(userID int64, peerID string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(fmt.Sprintf("wgbot-custom-job:%d:%s", userID, peerID))).String()
}

// Watch перечитывает файл при изменении до отмены ctx
func (c *CustomClients) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	dir := filepath.Dir(c.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(c.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				logger.Error("custom clients reload failed", zap.Error(err))
				continue
			}
			logger.Info("custom clients reloaded", zap.String("file", c.path))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("custom clients watcher error", zap.Error(err))
		}
	}
}

func parseCustomClients(r io.Reader) (map[int64][]string, error) {
	out := map[int64][]string{}
	seen := map[int64]map[string]bool{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		uid, peers, ok := parseCustomLine(sc.Text())
		if !ok {
			continue
		}
		if seen[uid] == nil {
			seen[uid] = map[string]bool{}
		}
		for _, p := range peers {
			if seen[uid][p] {
				continue
			}
			seen[uid][p] = true
			out[uid] = append(out[uid], p)
		}
	}
	return out, sc.Err()
}

func parseCustomLine(raw string) (int64, []string, bool) {
	line, _, _ := strings.Cut(raw, "#")
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, nil, false
	}
	var uidPart, peersPart string
	var found bool
	if uidPart, peersPart, found = strings.Cut(line, "="); !found {
		if uidPart, peersPart, found = strings.Cut(line, ":"); !found {
			return 0, nil, false
		}
	}
	uidPart = strings.TrimSpace(uidPart)
	for _, r := range uidPart {
		if r < '0' || r > '9' {
			return 0, nil, false
		}
	}
	uid, err := strconv.ParseInt(uidPart, 10, 64)
	if err != nil {
		return 0, nil, false
	}
	var peers []string
	for _, p := range peerSeparators.Split(strings.TrimSpace(peersPart), -1) {
		if p != "" {
			peers = append(peers, p)
		}
	}
	if len(peers) == 0 {
		return 0, nil, false
	}
	return uid, peers, true
}
