package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/datahosting/pinbill/internal/account/domain"
	"github.com/datahosting/pinbill/internal/clock"
	"github.com/datahosting/pinbill/internal/config"
	"github.com/datahosting/pinbill/internal/contentstore"
	ledgerservice "github.com/datahosting/pinbill/internal/ledger/service"
	pindomain "github.com/datahosting/pinbill/internal/pin/domain"
)

const gib = int64(1) << 30

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	store *contentstore.Fake
	svc   pindomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&accountdomain.Account{}, &pindomain.Pin{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	store := &contentstore.Fake{NextCID: "QmTest"}

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})

	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		Clock:   fake,
		GenID:   node,
		Pricing: config.NewStaticPricing(config.DefaultPricing()),
		Ledger:  ledger,
		Store:   store,
	})
	return &fixture{db: db, node: node, clock: fake, store: store, svc: svc}
}

func (f *fixture) seedAccount(t *testing.T, pinning string) snowflake.ID {
	t.Helper()

	acct := accountdomain.Account{
		ID:                  f.node.Generate(),
		PinBalance:          decimal.RequireFromString(pinning),
		BandwidthCycleStart: f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&acct).Error)
	return acct.ID
}

func (f *fixture) pinBalance(t *testing.T, id snowflake.ID) decimal.Decimal {
	t.Helper()

	var acct accountdomain.Account
	require.NoError(t, f.db.First(&acct, "id = ?", id).Error)
	return acct.PinBalance
}

func TestQuoteSixMonthPrivateTier(t *testing.T) {
	f := newFixture(t)

	// 2 GB at 0.07/GB/month for 6 months = 0.84.
	quote, err := f.svc.QuotePrepaidCost(2*gib, true, 6)
	require.NoError(t, err)
	assert.True(t, quote.Total.Equal(decimal.RequireFromString("0.84")), "got %s", quote.Total)
	assert.True(t, quote.RatePerGBMonth.Equal(decimal.RequireFromString("0.07")))
}

func TestQuoteLongerTiersAreDiscounted(t *testing.T) {
	f := newFixture(t)

	short, err := f.svc.QuotePrepaidCost(gib, false, 1)
	require.NoError(t, err)
	long, err := f.svc.QuotePrepaidCost(gib, false, 12)
	require.NoError(t, err)

	perMonthShort := short.Total
	perMonthLong := long.Total.Div(decimal.NewFromInt(12))
	assert.True(t, perMonthLong.LessThan(perMonthShort))
}

func TestQuoteUnknownTier(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.QuotePrepaidCost(gib, true, 7)
	assert.ErrorIs(t, err, pindomain.ErrUnknownRetentionTier)
}

func TestCreateChargesUpfrontAndSetsExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedAccount(t, "1.00")

	pin, err := f.svc.Create(ctx, id, "/tmp/data.bin", 2*gib, true, 6)
	require.NoError(t, err)

	assert.Equal(t, pindomain.PinStatusPinned, pin.Status)
	assert.True(t, pin.AlreadyCharged)
	assert.Equal(t, "QmTest", pin.CID)
	assert.Equal(t, "data.bin", pin.FileName)

	// Six 30-day months.
	require.NotNil(t, pin.ExpireAt)
	assert.Equal(t, f.clock.Now().Add(180*24*time.Hour), pin.ExpireAt.UTC())

	balance := f.pinBalance(t, id)
	assert.True(t, balance.Equal(decimal.RequireFromString("0.16")), "balance %s", balance)
	assert.Equal(t, 1, f.store.PinCount("QmTest"))

	// The model's CID field and raw queries address the same column.
	var count int64
	require.NoError(t, f.db.Model(&pindomain.Pin{}).Where("cid = ?", "QmTest").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCreateInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedAccount(t, "0.50")

	_, err := f.svc.Create(ctx, id, "/tmp/data.bin", 2*gib, true, 6)
	assert.ErrorIs(t, err, pindomain.ErrInsufficientBalance)

	// No content-store calls happen for a denied account.
	assert.Empty(t, f.store.Added)
	assert.True(t, f.pinBalance(t, id).Equal(decimal.RequireFromString("0.50")))
}

func TestCreateStoreFailureLeavesNoRowAndNoCharge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedAccount(t, "5")

	f.store.FailAdd = contentstore.ErrAddFailed
	_, err := f.svc.Create(ctx, id, "/tmp/data.bin", gib, true, 1)
	assert.ErrorIs(t, err, contentstore.ErrAddFailed)

	var count int64
	require.NoError(t, f.db.Model(&pindomain.Pin{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.True(t, f.pinBalance(t, id).Equal(decimal.NewFromInt(5)))
}

func TestExpireDueTermsDeletesAndUnpins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedAccount(t, "10")

	_, err := f.svc.Create(ctx, id, "/tmp/a.bin", gib, true, 1)
	require.NoError(t, err)

	// Not due yet.
	f.clock.Advance(29 * 24 * time.Hour)
	n, err := f.svc.ExpireDueTerms(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * 24 * time.Hour)
	n, err = f.svc.ExpireDueTerms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.store.UnpinCount("QmTest"))

	var count int64
	require.NoError(t, f.db.Model(&pindomain.Pin{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestExpireDueTermsDeletesEvenWhenUnpinFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.seedAccount(t, "10")

	_, err := f.svc.Create(ctx, id, "/tmp/a.bin", gib, true, 1)
	require.NoError(t, err)

	f.store.FailUnpin = contentstore.ErrUnpinFailed
	f.clock.Advance(31 * 24 * time.Hour)

	n, err := f.svc.ExpireDueTerms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var count int64
	require.NoError(t, f.db.Model(&pindomain.Pin{}).Count(&count).Error)
	assert.Zero(t, count)
}
