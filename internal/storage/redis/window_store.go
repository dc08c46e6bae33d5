package redis

import (
	"context"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"

	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/policy"
)

const (
	fieldHourly    = "hourly_spent"
	fieldDaily     = "daily_spent"
	fieldLastReset = "last_reset_ms"
)

// addSpendScript 在服务端原子累加两个计数器，窗口不存在时以 ARGV[2] 作为 last_reset_ms。
const addSpendScript = `
local hourly = redis.call("hincrbyfloat", KEYS[1], "hourly_spent", ARGV[1])
local daily = redis.call("hincrbyfloat", KEYS[1], "daily_spent", ARGV[1])
redis.call("hsetnx", KEYS[1], "last_reset_ms", ARGV[2])
return {hourly, daily, redis.call("hget", KEYS[1], "last_reset_ms")}`

// WindowStore 将每个钱包的消费窗口保存为一个 Redis hash，供多个进程共享。
type WindowStore struct {
	client   *backend.Client
	prefix   string
	addSpend *backend.Script
}

// NewWindowStore 创建窗口存储。
func NewWindowStore(client *backend.Client, prefix string) *WindowStore {
	return &WindowStore{client: client, prefix: prefix, addSpend: backend.NewScript(addSpendScript)}
}

// LoadWindow 实现 policy.WindowStore。
func (s *WindowStore) LoadWindow(ctx context.Context, walletID string) (policy.Window, bool, error) {
	values, err := s.client.HGetAll(ctx, key(s.prefix, "window", walletID)).Result()
	if err != nil {
		return policy.Window{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取消费窗口失败")
	}
	if len(values) == 0 {
		return policy.Window{}, false, nil
	}

	w, err := parseWindow(values[fieldHourly], values[fieldDaily], values[fieldLastReset])
	if err != nil {
		return policy.Window{}, false, err
	}
	return w, true, nil
}

// AddSpend 实现 policy.WindowStore。
func (s *WindowStore) AddSpend(ctx context.Context, walletID string, amount float64, now time.Time) (policy.Window, error) {
	values, err := s.addSpend.Run(ctx, s.client, []string{key(s.prefix, "window", walletID)},
		strconv.FormatFloat(amount, 'f', -1, 64),
		strconv.FormatInt(now.UnixMilli(), 10),
	).StringSlice()
	if err != nil {
		return policy.Window{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "累加消费窗口失败")
	}
	if len(values) != 3 {
		return policy.Window{}, xerrors.New(xerrors.CodeStorageFailure, "累加消费窗口返回值异常")
	}
	return parseWindow(values[0], values[1], values[2])
}

func parseWindow(hourlyRaw, dailyRaw, lastResetRaw string) (policy.Window, error) {
	hourly, err := strconv.ParseFloat(hourlyRaw, 64)
	if err != nil {
		return policy.Window{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 hourly_spent 失败")
	}
	daily, err := strconv.ParseFloat(dailyRaw, 64)
	if err != nil {
		return policy.Window{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 daily_spent 失败")
	}
	lastReset, err := strconv.ParseInt(lastResetRaw, 10, 64)
	if err != nil {
		return policy.Window{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 last_reset_ms 失败")
	}
	return policy.Window{
		HourlySpent: hourly,
		DailySpent:  daily,
		LastReset:   time.UnixMilli(lastReset),
	}, nil
}

// SaveWindow 实现 policy.WindowStore，整体覆盖 hash，只用于写回窗口重置。
func (s *WindowStore) SaveWindow(ctx context.Context, walletID string, w policy.Window) error {
	err := s.client.HSet(ctx, key(s.prefix, "window", walletID),
		fieldHourly, strconv.FormatFloat(w.HourlySpent, 'f', -1, 64),
		fieldDaily, strconv.FormatFloat(w.DailySpent, 'f', -1, 64),
		fieldLastReset, strconv.FormatInt(w.LastReset.UnixMilli(), 10),
	).Err()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存消费窗口失败")
	}
	return nil
}

var _ policy.WindowStore = (*WindowStore)(nil)
