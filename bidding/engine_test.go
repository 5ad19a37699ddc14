package bidding

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketplace-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap/zaptest"
)

func TestMinimumBid(t *testing.T) {
	tests := []struct {
		currentCents int64
		wantCents    int64
	}{
		{0, 50},
		{999, 1049},
		{1000, 1100},
		{4999, 5099},
		{5000, 5250},
		{25000, 25500},
		{100000, 101000},
		{499999, 500999},
		{500000, 502500},
		{10_000_000, 10_002_500},
	}

	for _, tt := range tests {
		if got := MinimumBid(tt.currentCents); got != tt.wantCents {
			t.Errorf("MinimumBid(%d) = %d, want %d", tt.currentCents, got, tt.wantCents)
		}
	}
}

func TestResolveProxyBid(t *testing.T) {
	tests := []struct {
		name            string
		userBid         int64
		proxyMax        int64
		currentHighest  int64
		wantActual      int64
	}{
		{"user bid already leads", 2000, 5000, 1500, 2000},
		{"proxy below minimum bids the minimum", 1000, 1050, 1000, 1100},
		{"proxy covers the minimum", 1000, 3000, 1000, 3000},
		{"proxy exactly at minimum", 1000, 1100, 1000, 1100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ResolveProxyBid(tt.userBid, tt.proxyMax, tt.currentHighest)
			if res.ActualBidCents != tt.wantActual {
				t.Errorf("Expected actual bid %d, got %d", tt.wantActual, res.ActualBidCents)
			}
			if res.ProxyAmountCents != tt.proxyMax {
				t.Errorf("Proxy ceiling must be preserved: expected %d, got %d", tt.proxyMax, res.ProxyAmountCents)
			}
		})
	}
}

func TestValidateBid_BelowMinimumDisclosesMinimum(t *testing.T) {
	// current_price = 1000, tier increment = 100 -> minimum next bid = 1100
	res := ValidateBid(1050, 1000, 0)
	if res.Valid {
		t.Fatal("Expected bid of 1050 against price 1000 to be rejected")
	}
	if res.MinimumCents != 1100 {
		t.Errorf("Expected disclosed minimum 1100, got %d", res.MinimumCents)
	}
}

func TestValidateBid_ReserveNotMet(t *testing.T) {
	res := ValidateBid(1100, 1000, 2000)
	if res.Valid {
		t.Fatal("Expected rejection when reserve is unmet")
	}
	if res.Reason != "reserve price not met" {
		t.Errorf("Unexpected reason %q", res.Reason)
	}
}

func TestValidateBid_Accepted(t *testing.T) {
	res := ValidateBid(1100, 1000, 0)
	if !res.Valid {
		t.Fatalf("Expected acceptance, got reason %q", res.Reason)
	}
}

func TestAntiSnipingExtension(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      time.Duration
	}{
		{240 * time.Second, 300 * time.Second},
		{300 * time.Second, 300 * time.Second},
		{301 * time.Second, 180 * time.Second},
		{600 * time.Second, 180 * time.Second},
		{601 * time.Second, 60 * time.Second},
		{1800 * time.Second, 60 * time.Second},
		{1801 * time.Second, 0},
		{2 * time.Hour, 0},
	}

	for _, tt := range tests {
		if got := AntiSnipingExtension(tt.remaining); got != tt.want {
			t.Errorf("AntiSnipingExtension(%v) = %v, want %v", tt.remaining, got, tt.want)
		}
	}
}

type stubPublisher struct {
	published []any
	err       error
}

func (s *stubPublisher) Publish(ctx context.Context, topic string, event any) error {
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, event)
	return nil
}

func auctionRows(currentPrice int64, endAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "listing_id", "seller_id", "status", "current_price_cents",
		"reserve_price_cents", "reserve_met", "high_bid_id", "high_bidder_id",
		"bid_count", "extension_count", "increment_scheme", "end_at",
		"created_at", "updated_at",
	}).AddRow(1, 10, 7, models.AuctionStatusLive, currentPrice, 0, false, nil, nil, 3, 0, "standard", endAt, time.Now(), time.Now())
}

func TestPlaceBid_Accepted(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	publisher := &stubPublisher{}
	engine := NewEngine(db, publisher, "auction_updates", zaptest.NewLogger(t))

	endAt := time.Now().Add(2 * time.Hour)
	mock.ExpectQuery("SELECT id, listing_id, seller_id, status").
		WithArgs(int64(1)).
		WillReturnRows(auctionRows(1000, endAt))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO bids").
		WithArgs(int64(1), int64(42), int64(1100), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "placed_at"}).AddRow(55, time.Now()))
	mock.ExpectExec("UPDATE auctions SET current_price_cents").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	bid, auction, err := engine.PlaceBid(context.Background(), 1, models.PlaceBidRequest{
		BidderID:    42,
		AmountCents: 1100,
	})
	if err != nil {
		t.Fatalf("Expected acceptance, got %v", err)
	}

	if bid.AmountCents != 1100 || !bid.Accepted {
		t.Errorf("Unexpected bid %+v", bid)
	}
	if auction.CurrentPriceCents != 1100 {
		t.Errorf("Expected current price 1100, got %d", auction.CurrentPriceCents)
	}
	if auction.BidCount != 4 {
		t.Errorf("Expected bid count 4, got %d", auction.BidCount)
	}
	if !auction.EndAt.Equal(endAt) {
		t.Errorf("A bid outside the trailing window must not move end_at")
	}
	if len(publisher.published) != 1 {
		t.Errorf("Expected one snapshot published, got %d", len(publisher.published))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPlaceBid_BelowMinimumRejectedWithMinimum(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	engine := NewEngine(db, &stubPublisher{}, "auction_updates", zaptest.NewLogger(t))

	mock.ExpectQuery("SELECT id, listing_id, seller_id, status").
		WithArgs(int64(1)).
		WillReturnRows(auctionRows(1000, time.Now().Add(2*time.Hour)))

	_, _, err = engine.PlaceBid(context.Background(), 1, models.PlaceBidRequest{
		BidderID:    42,
		AmountCents: 1050,
	})

	var rejected *BidRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Expected BidRejectedError, got %v", err)
	}
	if rejected.MinimumCents != 1100 {
		t.Errorf("Expected minimum 1100 disclosed, got %d", rejected.MinimumCents)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Rejection must not write anything: %v", err)
	}
}

func TestPlaceBid_SnipeExtendsDeadline(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	engine := NewEngine(db, &stubPublisher{}, "auction_updates", zaptest.NewLogger(t))

	// 240 seconds remaining: the <=300s -> +300s rule applies.
	endAt := time.Now().Add(240 * time.Second)
	mock.ExpectQuery("SELECT id, listing_id, seller_id, status").
		WithArgs(int64(1)).
		WillReturnRows(auctionRows(1000, endAt))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO bids").
		WillReturnRows(sqlmock.NewRows([]string{"id", "placed_at"}).AddRow(56, time.Now()))
	mock.ExpectExec("UPDATE auctions SET current_price_cents").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, auction, err := engine.PlaceBid(context.Background(), 1, models.PlaceBidRequest{
		BidderID:    42,
		AmountCents: 1100,
	})
	if err != nil {
		t.Fatalf("Expected acceptance, got %v", err)
	}

	wantEndAt := endAt.Add(300 * time.Second)
	if !auction.EndAt.Equal(wantEndAt) {
		t.Errorf("Expected end_at pushed to %v, got %v", wantEndAt, auction.EndAt)
	}
	if auction.ExtensionCount != 1 {
		t.Errorf("Expected extension_count 1, got %d", auction.ExtensionCount)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPlaceBid_ConcurrentPriceChange(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	engine := NewEngine(db, &stubPublisher{}, "auction_updates", zaptest.NewLogger(t))

	mock.ExpectQuery("SELECT id, listing_id, seller_id, status").
		WithArgs(int64(1)).
		WillReturnRows(auctionRows(1000, time.Now().Add(2*time.Hour)))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO bids").
		WillReturnRows(sqlmock.NewRows([]string{"id", "placed_at"}).AddRow(57, time.Now()))
	// Zero rows affected: another bidder advanced the price first.
	mock.ExpectExec("UPDATE auctions SET current_price_cents").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, _, err = engine.PlaceBid(context.Background(), 1, models.PlaceBidRequest{
		BidderID:    42,
		AmountCents: 1100,
	})
	if !errors.Is(err, ErrPriceChanged) {
		t.Fatalf("Expected ErrPriceChanged, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPlaceBid_ClosedAuction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	engine := NewEngine(db, &stubPublisher{}, "auction_updates", zaptest.NewLogger(t))

	rows := sqlmock.NewRows([]string{
		"id", "listing_id", "seller_id", "status", "current_price_cents",
		"reserve_price_cents", "reserve_met", "high_bid_id", "high_bidder_id",
		"bid_count", "extension_count", "increment_scheme", "end_at",
		"created_at", "updated_at",
	}).AddRow(1, 10, 7, models.AuctionStatusEnded, 1000, 0, false, nil, nil, 3, 0, "standard", time.Now(), time.Now(), time.Now())

	mock.ExpectQuery("SELECT id, listing_id, seller_id, status").
		WithArgs(int64(1)).
		WillReturnRows(rows)

	_, _, err = engine.PlaceBid(context.Background(), 1, models.PlaceBidRequest{
		BidderID:    42,
		AmountCents: 1100,
	})
	if !errors.Is(err, ErrAuctionClosed) {
		t.Fatalf("Expected ErrAuctionClosed, got %v", err)
	}
}
