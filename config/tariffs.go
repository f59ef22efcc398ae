package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"WG-Telegram-bot/internal/logger"
)

// Tariff описывает один тарифный план
type Tariff struct {
	Key         string `mapstructure:"key"`
	Days        int    `mapstructure:"days"`
	StarsPrice  int    `mapstructure:"stars_price"`
	RubPrice    int    `mapstructure:"rub_price"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
}

// RubKopecks возвращает цену в копейках, как её присылает ЮKassa
func (t Tariff) RubKopecks() int64 {
	return int64(t.RubPrice) * 100
}

// TariffProvider отдаёт актуальные тарифы. Reload перечитывает источник.
type TariffProvider interface {
	Get(key string) (Tariff, bool)
	All() []Tariff
	Reload() error
}

func DefaultTariffs() []Tariff {
	return []Tariff{
		{Key: "14_days", Days: 14, StarsPrice: 100, RubPrice: 150, Name: "14 дней", Description: "Доступ на 2 недели"},
		{Key: "30_days", Days: 30, StarsPrice: 200, RubPrice: 300, Name: "30 дней", Description: "Доступ на месяц"},
	}
}

type tariffSet map[string]Tariff

func newTariffSet(list []Tariff) (tariffSet, error) {
	if len(list) == 0 {
		return nil, errors.New("tariff list is empty")
	}
	set := make(tariffSet, len(list))
	for _, t := range list {
		if t.Key == "" || t.Days <= 0 {
			return nil, fmt.Errorf("invalid tariff %q: key and positive days required", t.Key)
		}
		if t.StarsPrice <= 0 && t.RubPrice <= 0 {
			return nil, fmt.Errorf("invalid tariff %q: no price", t.Key)
		}
		set[t.Key] = t
	}
	return set, nil
}

func (s tariffSet) sorted() []Tariff {
	out := make([]Tariff, 0, len(s))
	for _, t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Days < out[j].Days })
	return out
}

// StaticTariffs: неизменяемый набор тарифов (тесты, запуск без файла)
type StaticTariffs struct {
	set tariffSet
}

func NewStaticTariffs(list ...Tariff) *StaticTariffs {
	if len(list) == 0 {
		list = DefaultTariffs()
	}
	set, err := newTariffSet(list)
	if err != nil {
		panic(err)
	}
	return &StaticTariffs{set: set}
}

func (s *StaticTariffs) Get(key string) (Tariff, bool) {
	t, ok := s.set[key]
	return t, ok
}

func (s *StaticTariffs) All() []Tariff { return s.set.sorted() }

func (s *StaticTariffs) Reload() error { return nil }

// FileTariffs читает тарифы из yaml-файла через viper и подхватывает правки на лету
type FileTariffs struct {
	mu      sync.Mutex
	v       *viper.Viper
	current atomic.Value // tariffSet
}

// NewFileTariffs загружает тарифы из path. Пустой path: встроенные значения.
func NewFileTariffs(path string) (*FileTariffs, error) {
	v := viper.New()
	ft := &FileTariffs{v: v}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read tariffs file: %w", err)
		}
	}
	if err := ft.load(); err != nil {
		return nil, err
	}
	if path != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			ft.mu.Lock()
			defer ft.mu.Unlock()
			if err := ft.load(); err != nil {
				logger.Warn("tariffs reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			logger.Info("tariffs reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}
	return ft, nil
}

func (f *FileTariffs) load() error {
	list := DefaultTariffs()
	if f.v.ConfigFileUsed() != "" {
		list = nil
		if err := f.v.UnmarshalKey("tariffs", &list); err != nil {
			return fmt.Errorf("decode tariffs: %w", err)
		}
	}
	set, err := newTariffSet(list)
	if err != nil {
		return err
	}
	f.current.Store(set)
	return nil
}

func (f *FileTariffs) Get(key string) (Tariff, bool) {
	t, ok := f.current.Load().(tariffSet)[key]
	return t, ok
}

func (f *FileTariffs) All() []Tariff {
	return f.current.Load().(tariffSet).sorted()
}

// Reload перечитывает файл; при ошибке остаётся прежний набор
func (f *FileTariffs) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.v.ConfigFileUsed() != "" {
		if err := f.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read tariffs file: %w", err)
		}
	}
	return f.load()
}
