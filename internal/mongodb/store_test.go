package mongodb

import (
	"testing"
	"time"

	"github.com/aaronwang/bidding-app/internal/store"
	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDocumentRoundTrip(t *testing.T) {
	ended := t0.Add(5 * time.Minute)
	u := &models.Unit{
		ID:             models.LotUnitID("estate", 4),
		AuctionID:      "estate",
		LotNumber:      4,
		Title:          "Clock",
		SellerID:       "house",
		CurrentPrice:   decimal.RequireFromString("250.50"),
		LeadingBidder:  "alice",
		StartTime:      t0,
		CloseTime:      t0.Add(time.Hour),
		ExtensionCount: 2,
		BidCount:       7,
		ForcedEnded:    true,
		EndedAt:        &ended,
		Version:        9,
		CreatedAt:      t0,
		UpdatedAt:      ended,
	}

	raw, err := bson.Marshal(toDocument(u))
	require.NoError(t, err)

	var doc unitDocument
	require.NoError(t, bson.Unmarshal(raw, &doc))
	assert.Equal(t, "estate-lot-4", doc.ID)
	assert.Empty(t, doc.Bids)

	got, err := fromDocument(&doc)
	require.NoError(t, err)
	assert.Equal(t, "250.5", got.CurrentPrice.String())
	assert.True(t, got.BuyNowPrice.IsZero())
	assert.True(t, got.CloseTime.Equal(u.CloseTime))
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(ended))
	assert.Equal(t, u.Version, got.Version)
	assert.True(t, got.IsLot())
}

func TestFromDocumentRejectsBadPrice(t *testing.T) {
	_, err := fromDocument(&unitDocument{ID: "x", CurrentPrice: "lots"})
	assert.Error(t, err)
}

func TestCommitUpdate(t *testing.T) {
	c := &store.Commit{
		UnitID:          "item-1",
		ExpectedVersion: 3,
		Price:           decimal.NewFromInt(120),
		LeadingBidder:   "bob",
		CloseTime:       t0.Add(12 * time.Minute),
		Extended:        true,
		Bid: models.Bid{
			ID:       "bid-1",
			UnitID:   "item-1",
			BidderID: "bob",
			Amount:   decimal.NewFromInt(120),
			Type:     models.BidTypeStandard,
			PlacedAt: t0,
		},
		At: t0,
	}

	assert.Equal(t, bson.M{"_id": "item-1", "version": int64(3)}, commitFilter(c))

	update := commitUpdate(c)
	set := update["$set"].(bson.M)
	assert.Equal(t, "120", set["current_price"])
	assert.NotContains(t, set, "forced_ended")

	inc := update["$inc"].(bson.M)
	assert.Equal(t, 1, inc["extension_count"])
	assert.Equal(t, 1, inc["version"])

	pushed := update["$push"].(bson.M)["bids"].(bidDocument)
	assert.Equal(t, "bob", pushed.BidderID)

	c.Extended, c.End = false, true
	update = commitUpdate(c)
	assert.NotContains(t, update["$inc"].(bson.M), "extension_count")
	assert.Equal(t, true, update["$set"].(bson.M)["forced_ended"])

	_, err := bson.Marshal(update)
	assert.NoError(t, err)
}

func TestBidDocuments(t *testing.T) {
	b := models.Bid{
		ID:                 "bid-1",
		BidderID:           "alice",
		Amount:             decimal.RequireFromString("101.25"),
		Type:               models.BidTypeBuyNow,
		PlacedAt:           t0,
		ExtensionApplied:   true,
		ResultingCloseTime: t0.Add(2 * time.Minute),
	}
	bids, err := fromBidDocuments("item-1", []bidDocument{toBidDocument(&b)})
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, "item-1", bids[0].UnitID)
	assert.Equal(t, models.BidTypeBuyNow, bids[0].Type)
	assert.Equal(t, "101.25", bids[0].Amount.String())
	assert.True(t, bids[0].ExtensionApplied)
}
