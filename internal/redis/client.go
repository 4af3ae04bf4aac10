package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aaronwang/bidding-app/internal/store"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Client wraps the Redis client with unit storage operations. It implements
// store.Store: units live in a hash, bid history in a list next to it.
type Client struct {
	client *redis.Client
	// Lua script for the version-conditioned bid commit
	commitScript *redis.Script
	// Lua script for the administrative force end
	forceEndScript *redis.Script
}

var _ store.Store = (*Client)(nil)

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Runs atomically on the Redis server: the version check, the field updates
	// and the history append either all happen or none do.
	commitScript := redis.NewScript(`
		-- KEYS[1]: unit:{unitID} (unit hash)
		-- KEYS[2]: unit:{unitID}:bids (bid history list)
		-- ARGV[1]: expected version
		-- ARGV[2]: new price
		-- ARGV[3]: leading bidder
		-- ARGV[4]: close time
		-- ARGV[5]: "1" if the close time was extended
		-- ARGV[6]: "1" if the unit ends with this bid
		-- ARGV[7]: commit time
		-- ARGV[8]: bid record (JSON)

		if redis.call('EXISTS', KEYS[1]) == 0 then
			return -1
		end

		local version = tonumber(redis.call('HGET', KEYS[1], 'version'))
		if version ~= tonumber(ARGV[1]) then
			return 0
		end

		redis.call('HSET', KEYS[1],
			'current_price', ARGV[2],
			'leading_bidder', ARGV[3],
			'close_time', ARGV[4],
			'updated_at', ARGV[7])
		if ARGV[5] == '1' then
			redis.call('HINCRBY', KEYS[1], 'extension_count', 1)
		end
		if ARGV[6] == '1' then
			redis.call('HSET', KEYS[1], 'forced_ended', '1', 'ended_at', ARGV[7])
		end
		redis.call('HINCRBY', KEYS[1], 'bid_count', 1)
		redis.call('HINCRBY', KEYS[1], 'version', 1)
		redis.call('RPUSH', KEYS[2], ARGV[8])
		return redis.call('HGETALL', KEYS[1])
	`)

	forceEndScript := redis.NewScript(`
		-- KEYS[1]: unit:{unitID}
		-- ARGV[1]: end time
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return -1
		end
		if redis.call('HGET', KEYS[1], 'forced_ended') ~= '1' then
			redis.call('HSET', KEYS[1], 'forced_ended', '1', 'ended_at', ARGV[1], 'updated_at', ARGV[1])
			redis.call('HINCRBY', KEYS[1], 'version', 1)
		end
		return redis.call('HGETALL', KEYS[1])
	`)

	return &Client{
		client:         rdb,
		commitScript:   commitScript,
		forceEndScript: forceEndScript,
	}, nil
}

// unitKey uses a hash tag so the unit and its history share a cluster slot
func unitKey(unitID string) string {
	return fmt.Sprintf("unit:{%s}", unitID)
}

func bidsKey(unitID string) string {
	return fmt.Sprintf("unit:{%s}:bids", unitID)
}

// Create writes new units only if none of their keys exist yet
func (c *Client) Create(ctx context.Context, units ...*models.Unit) error {
	keys := make([]string, 0, len(units))
	for _, u := range units {
		keys = append(keys, unitKey(u.ID))
	}

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return store.ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, u := range units {
				pipe.HSet(ctx, unitKey(u.ID), unitFields(u))
			}
			return nil
		})
		return err
	}, keys...)

	if errors.Is(err, store.ErrExists) {
		return err
	}
	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to create units: %w", err)
	}
	return nil
}

// Get loads the unit hash
func (c *Client) Get(ctx context.Context, unitID string) (*models.Unit, error) {
	fields, err := c.client.HGetAll(ctx, unitKey(unitID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return parseUnit(unitID, fields)
}

// History returns the bid list in commit order
func (c *Client) History(ctx context.Context, unitID string) ([]models.Bid, error) {
	pipe := c.client.Pipeline()
	existsCmd := pipe.Exists(ctx, unitKey(unitID))
	bidsCmd := pipe.LRange(ctx, bidsKey(unitID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get bid history: %w", err)
	}
	if existsCmd.Val() == 0 {
		return nil, store.ErrNotFound
	}

	raw := bidsCmd.Val()
	bids := make([]models.Bid, 0, len(raw))
	for _, r := range raw {
		var b models.Bid
		if err := json.Unmarshal([]byte(r), &b); err != nil {
			return nil, fmt.Errorf("failed to decode bid: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, nil
}

// Commit atomically applies the bid when the unit version still matches
func (c *Client) Commit(ctx context.Context, cm *store.Commit) (*models.Unit, error) {
	bidJSON, err := json.Marshal(cm.Bid)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bid: %w", err)
	}

	keys := []string{unitKey(cm.UnitID), bidsKey(cm.UnitID)}
	res, err := c.commitScript.Run(ctx, c.client, keys,
		cm.ExpectedVersion,
		cm.Price.String(),
		cm.LeadingBidder,
		formatTime(cm.CloseTime),
		flag(cm.Extended),
		flag(cm.End),
		formatTime(cm.At),
		string(bidJSON),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute commit script: %w", err)
	}
	return scriptUnit(cm.UnitID, res)
}

// ForceEnd marks the unit as ended and bumps its version. Ending an already
// ended unit returns it unchanged.
func (c *Client) ForceEnd(ctx context.Context, unitID string, at time.Time) (*models.Unit, error) {
	res, err := c.forceEndScript.Run(ctx, c.client, []string{unitKey(unitID)}, formatTime(at)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute force end script: %w", err)
	}
	return scriptUnit(unitID, res)
}

// scriptUnit decodes a script reply: -1 for a missing unit, 0 for a version
// conflict, otherwise the unit hash as written by the script.
func scriptUnit(unitID string, res interface{}) (*models.Unit, error) {
	switch v := res.(type) {
	case int64:
		if v == -1 {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrConflict
	case []interface{}:
		if len(v)%2 != 0 {
			return nil, fmt.Errorf("unexpected script reply length %d", len(v))
		}
		fields := make(map[string]string, len(v)/2)
		for i := 0; i < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[k] = val
		}
		return parseUnit(unitID, fields)
	default:
		return nil, fmt.Errorf("unexpected script reply %T", res)
	}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

func unitFields(u *models.Unit) map[string]interface{} {
	f := map[string]interface{}{
		"auction_id":      u.AuctionID,
		"lot_number":      u.LotNumber,
		"title":           u.Title,
		"seller_id":       u.SellerID,
		"current_price":   u.CurrentPrice.String(),
		"buy_now_price":   u.BuyNowPrice.String(),
		"leading_bidder":  u.LeadingBidder,
		"start_time":      formatTime(u.StartTime),
		"close_time":      formatTime(u.CloseTime),
		"extension_count": u.ExtensionCount,
		"bid_count":       u.BidCount,
		"forced_ended":    flag(u.ForcedEnded),
		"version":         u.Version,
		"created_at":      formatTime(u.CreatedAt),
		"updated_at":      formatTime(u.UpdatedAt),
	}
	if u.EndedAt != nil {
		f["ended_at"] = formatTime(*u.EndedAt)
	}
	return f
}

func parseUnit(unitID string, f map[string]string) (*models.Unit, error) {
	u := &models.Unit{
		ID:            unitID,
		AuctionID:     f["auction_id"],
		Title:         f["title"],
		SellerID:      f["seller_id"],
		LeadingBidder: f["leading_bidder"],
		ForcedEnded:   f["forced_ended"] == "1",
	}

	var err error
	parseInt := func(key string) int64 {
		if err != nil || f[key] == "" {
			return 0
		}
		var n int64
		n, err = strconv.ParseInt(f[key], 10, 64)
		return n
	}
	parseDecimal := func(key string) decimal.Decimal {
		if err != nil || f[key] == "" {
			return decimal.Zero
		}
		var d decimal.Decimal
		d, err = decimal.NewFromString(f[key])
		return d
	}
	parseTime := func(key string) time.Time {
		if err != nil || f[key] == "" {
			return time.Time{}
		}
		var t time.Time
		t, err = time.Parse(time.RFC3339Nano, f[key])
		return t
	}

	u.LotNumber = int(parseInt("lot_number"))
	u.ExtensionCount = int(parseInt("extension_count"))
	u.BidCount = int(parseInt("bid_count"))
	u.Version = parseInt("version")
	u.CurrentPrice = parseDecimal("current_price")
	u.BuyNowPrice = parseDecimal("buy_now_price")
	u.StartTime = parseTime("start_time")
	u.CloseTime = parseTime("close_time")
	u.CreatedAt = parseTime("created_at")
	u.UpdatedAt = parseTime("updated_at")
	if f["ended_at"] != "" {
		endedAt := parseTime("ended_at")
		u.EndedAt = &endedAt
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit %s: %w", unitID, err)
	}
	return u, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
