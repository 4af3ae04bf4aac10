// Package mongodb is a store.Store backed by a MongoDB collection. Each unit is
// one document with its bid history embedded, so a commit is a single-document
// update and needs no transaction.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aaronwang/bidding-app/internal/store"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionUnits holds one document per sellable unit
const CollectionUnits = "units"

type unitDocument struct {
	ID             string        `bson:"_id"`
	AuctionID      string        `bson:"auction_id,omitempty"`
	LotNumber      int           `bson:"lot_number,omitempty"`
	Title          string        `bson:"title"`
	SellerID       string        `bson:"seller_id"`
	CurrentPrice   string        `bson:"current_price"`
	BuyNowPrice    string        `bson:"buy_now_price"`
	LeadingBidder  string        `bson:"leading_bidder"`
	StartTime      time.Time     `bson:"start_time"`
	CloseTime      time.Time     `bson:"close_time"`
	ExtensionCount int           `bson:"extension_count"`
	BidCount       int           `bson:"bid_count"`
	ForcedEnded    bool          `bson:"forced_ended"`
	EndedAt        *time.Time    `bson:"ended_at,omitempty"`
	Version        int64         `bson:"version"`
	CreatedAt      time.Time     `bson:"created_at"`
	UpdatedAt      time.Time     `bson:"updated_at"`
	Bids           []bidDocument `bson:"bids"`
}

type bidDocument struct {
	ID                 string    `bson:"bid_id"`
	BidderID           string    `bson:"bidder_id"`
	Amount             string    `bson:"amount"`
	Type               string    `bson:"type"`
	PlacedAt           time.Time `bson:"placed_at"`
	ExtensionApplied   bool      `bson:"extension_applied"`
	ResultingCloseTime time.Time `bson:"resulting_close_time"`
}

// Store keeps units in MongoDB
type Store struct {
	client *mongo.Client
	units  *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// Connect opens a client and checks it can reach the server
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// NewStore uses the units collection of database
func NewStore(client *mongo.Client, database string) *Store {
	return &Store{
		client: client,
		units:  client.Database(database).Collection(CollectionUnits),
	}
}

// EnsureIndexes creates the lookup index for the lots of an auction
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.units.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "auction_id", Value: 1}, {Key: "lot_number", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Create inserts all units in one transaction
func (s *Store) Create(ctx context.Context, units ...*models.Unit) error {
	docs := make([]interface{}, 0, len(units))
	for _, u := range units {
		docs = append(docs, toDocument(u))
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return s.units.InsertMany(sc, docs)
	})
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert units: %w", err)
	}
	return nil
}

// Get loads a unit without its bid history
func (s *Store) Get(ctx context.Context, unitID string) (*models.Unit, error) {
	var doc unitDocument
	err := s.units.FindOne(ctx, bson.M{"_id": unitID},
		options.FindOne().SetProjection(bson.M{"bids": 0})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find unit: %w", err)
	}
	return fromDocument(&doc)
}

// History returns the embedded bids in commit order
func (s *Store) History(ctx context.Context, unitID string) ([]models.Bid, error) {
	var doc unitDocument
	err := s.units.FindOne(ctx, bson.M{"_id": unitID},
		options.FindOne().SetProjection(bson.M{"bids": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find bids: %w", err)
	}
	return fromBidDocuments(unitID, doc.Bids)
}

// Commit updates the unit document only if its version still matches
func (s *Store) Commit(ctx context.Context, c *store.Commit) (*models.Unit, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"bids": 0})

	var doc unitDocument
	err := s.units.FindOneAndUpdate(ctx, commitFilter(c), commitUpdate(c), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := s.units.CountDocuments(ctx, bson.M{"_id": c.UnitID})
		if cerr != nil {
			return nil, fmt.Errorf("failed to check unit: %w", cerr)
		}
		if n == 0 {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to commit bid: %w", err)
	}
	return fromDocument(&doc)
}

// ForceEnd marks the unit as ended. Ending an ended unit changes nothing.
func (s *Store) ForceEnd(ctx context.Context, unitID string, at time.Time) (*models.Unit, error) {
	_, err := s.units.UpdateOne(ctx,
		bson.M{"_id": unitID, "forced_ended": false},
		bson.M{
			"$set": bson.M{"forced_ended": true, "ended_at": at, "updated_at": at},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to end unit: %w", err)
	}
	return s.Get(ctx, unitID)
}

func commitFilter(c *store.Commit) bson.M {
	return bson.M{"_id": c.UnitID, "version": c.ExpectedVersion}
}

func commitUpdate(c *store.Commit) bson.M {
	set := bson.M{
		"current_price":  c.Price.String(),
		"leading_bidder": c.LeadingBidder,
		"close_time":     c.CloseTime,
		"updated_at":     c.At,
	}
	if c.End {
		set["forced_ended"] = true
		set["ended_at"] = c.At
	}

	inc := bson.M{"version": 1, "bid_count": 1}
	if c.Extended {
		inc["extension_count"] = 1
	}

	return bson.M{
		"$set":  set,
		"$inc":  inc,
		"$push": bson.M{"bids": toBidDocument(&c.Bid)},
	}
}

func toDocument(u *models.Unit) *unitDocument {
	return &unitDocument{
		ID:             u.ID,
		AuctionID:      u.AuctionID,
		LotNumber:      u.LotNumber,
		Title:          u.Title,
		SellerID:       u.SellerID,
		CurrentPrice:   u.CurrentPrice.String(),
		BuyNowPrice:    u.BuyNowPrice.String(),
		LeadingBidder:  u.LeadingBidder,
		StartTime:      u.StartTime,
		CloseTime:      u.CloseTime,
		ExtensionCount: u.ExtensionCount,
		BidCount:       u.BidCount,
		ForcedEnded:    u.ForcedEnded,
		EndedAt:        u.EndedAt,
		Version:        u.Version,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
		Bids:           []bidDocument{},
	}
}

func fromDocument(d *unitDocument) (*models.Unit, error) {
	price, err := decimal.NewFromString(d.CurrentPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid current_price on unit %s: %w", d.ID, err)
	}
	buyNow := decimal.Zero
	if d.BuyNowPrice != "" {
		if buyNow, err = decimal.NewFromString(d.BuyNowPrice); err != nil {
			return nil, fmt.Errorf("invalid buy_now_price on unit %s: %w", d.ID, err)
		}
	}

	u := &models.Unit{
		ID:             d.ID,
		AuctionID:      d.AuctionID,
		LotNumber:      d.LotNumber,
		Title:          d.Title,
		SellerID:       d.SellerID,
		CurrentPrice:   price,
		BuyNowPrice:    buyNow,
		LeadingBidder:  d.LeadingBidder,
		StartTime:      d.StartTime.UTC(),
		CloseTime:      d.CloseTime.UTC(),
		ExtensionCount: d.ExtensionCount,
		BidCount:       d.BidCount,
		ForcedEnded:    d.ForcedEnded,
		Version:        d.Version,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	if d.EndedAt != nil {
		endedAt := d.EndedAt.UTC()
		u.EndedAt = &endedAt
	}
	return u, nil
}

func toBidDocument(b *models.Bid) bidDocument {
	return bidDocument{
		ID:                 b.ID,
		BidderID:           b.BidderID,
		Amount:             b.Amount.String(),
		Type:               string(b.Type),
		PlacedAt:           b.PlacedAt,
		ExtensionApplied:   b.ExtensionApplied,
		ResultingCloseTime: b.ResultingCloseTime,
	}
}

func fromBidDocuments(unitID string, docs []bidDocument) ([]models.Bid, error) {
	bids := make([]models.Bid, 0, len(docs))
	for _, d := range docs {
		amount, err := decimal.NewFromString(d.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount on bid %s: %w", d.ID, err)
		}
		bids = append(bids, models.Bid{
			ID:                 d.ID,
			UnitID:             unitID,
			BidderID:           d.BidderID,
			Amount:             amount,
			Type:               models.BidType(d.Type),
			PlacedAt:           d.PlacedAt.UTC(),
			ExtensionApplied:   d.ExtensionApplied,
			ResultingCloseTime: d.ResultingCloseTime.UTC(),
		})
	}
	return bids, nil
}
