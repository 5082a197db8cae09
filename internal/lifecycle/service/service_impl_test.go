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
	backupdomain "github.com/datahosting/pinbill/internal/backup/domain"
	backupservice "github.com/datahosting/pinbill/internal/backup/service"
	"github.com/datahosting/pinbill/internal/clock"
	"github.com/datahosting/pinbill/internal/config"
	"github.com/datahosting/pinbill/internal/contentstore"
	ledgerdomain "github.com/datahosting/pinbill/internal/ledger/domain"
	lifecycledomain "github.com/datahosting/pinbill/internal/lifecycle/domain"
	paymentdomain "github.com/datahosting/pinbill/internal/payment/domain"
	pindomain "github.com/datahosting/pinbill/internal/pin/domain"
	pinservice "github.com/datahosting/pinbill/internal/pin/service"
)

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	store *contentstore.Fake
	svc   lifecycledomain.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&accountdomain.Account{},
		&pindomain.Pin{},
		&backupdomain.ReplicatedBackup{},
		&backupdomain.ReplicaChange{},
		&paymentdomain.Payment{},
		&ledgerdomain.Invoice{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	store := &contentstore.Fake{}

	svc := NewService(Params{
		DB:           db,
		Log:          zap.NewNop(),
		Clock:        fake,
		Pricing:      config.NewStaticPricing(config.DefaultPricing()),
		PinTarget:    pinservice.NewGraceTarget(pinservice.GraceParams{Log: zap.NewNop(), Store: store}),
		BackupTarget: backupservice.NewGraceTarget(backupservice.GraceParams{Log: zap.NewNop(), Store: store}),
	})
	return &fixture{db: db, node: node, clock: fake, store: store, svc: svc}
}

func (f *fixture) seedAccount(t *testing.T, pinning, cluster string) snowflake.ID {
	t.Helper()

	acct := accountdomain.Account{
		ID:                  f.node.Generate(),
		PinBalance:          decimal.RequireFromString(pinning),
		ClusterBalance:      decimal.RequireFromString(cluster),
		BandwidthCycleStart: f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&acct).Error)
	return acct.ID
}

func (f *fixture) seedPin(t *testing.T, accountID snowflake.ID, cid string) snowflake.ID {
	t.Helper()

	pin := pindomain.Pin{
		ID:              f.node.Generate(),
		AccountID:       accountID,
		CID:             cid,
		SizeBytes:       1 << 30,
		RetentionMonths: 6,
		Status:          pindomain.PinStatusPinned,
		AlreadyCharged:  true,
		CreatedAt:       f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&pin).Error)
	return pin.ID
}

func (f *fixture) seedBackup(t *testing.T, accountID snowflake.ID, cid string) snowflake.ID {
	t.Helper()

	b := backupdomain.ReplicatedBackup{
		ID:           f.node.Generate(),
		AccountID:    accountID,
		CID:          cid,
		SizeBytes:    1 << 30,
		ReplicaCount: 2,
		Status:       backupdomain.BackupStatusActive,
		CreatedAt:    f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&b).Error)
	return b.ID
}

func (f *fixture) pin(t *testing.T, id snowflake.ID) pindomain.Pin {
	t.Helper()

	var pin pindomain.Pin
	require.NoError(t, f.db.First(&pin, "id = ?", id).Error)
	return pin
}

func (f *fixture) setPinBalance(t *testing.T, accountID snowflake.ID, balance string) {
	t.Helper()

	require.NoError(t, f.db.Model(&accountdomain.Account{}).
		Where("id = ?", accountID).
		Update("pin_balance", decimal.RequireFromString(balance)).Error)
}

func TestOverdrawnAccountEntersGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	broke := f.seedAccount(t, "-0.01", "1")
	funded := f.seedAccount(t, "1", "1")
	brokePin := f.seedPin(t, broke, "QmBroke")
	fundedPin := f.seedPin(t, funded, "QmFunded")

	result, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.EnteredGrace)

	moved := f.pin(t, brokePin)
	assert.Equal(t, pindomain.PinStatusGracePeriod, moved.Status)
	require.NotNil(t, moved.GraceStartedAt)
	assert.Equal(t, f.clock.Now(), moved.GraceStartedAt.UTC())
	assert.Equal(t, 1, f.store.UnpinCount("QmBroke"))

	untouched := f.pin(t, fundedPin)
	assert.Equal(t, pindomain.PinStatusPinned, untouched.Status)
}

func TestGraceStampNotOverwrittenByLaterRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	broke := f.seedAccount(t, "0", "1")
	pinID := f.seedPin(t, broke, "Qm1")

	_, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	first := f.pin(t, pinID)
	require.NotNil(t, first.GraceStartedAt)

	f.clock.Advance(3 * 24 * time.Hour)
	_, err = f.svc.RunOnce(ctx)
	require.NoError(t, err)

	second := f.pin(t, pinID)
	require.NotNil(t, second.GraceStartedAt)
	assert.Equal(t, first.GraceStartedAt.UTC(), second.GraceStartedAt.UTC())
}

func TestTopUpRecoversPinsForFree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	acct := f.seedAccount(t, "0", "1")
	pinID := f.seedPin(t, acct, "Qm1")

	_, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, pindomain.PinStatusGracePeriod, f.pin(t, pinID).Status)

	f.setPinBalance(t, acct, "2")
	result, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recovered)

	restored := f.pin(t, pinID)
	assert.Equal(t, pindomain.PinStatusPinned, restored.Status)
	assert.Nil(t, restored.GraceStartedAt)
	assert.True(t, restored.AlreadyCharged)
	assert.Equal(t, 1, f.store.PinCount("Qm1"))

	// Balance untouched: recovery never charges.
	var stored accountdomain.Account
	require.NoError(t, f.db.First(&stored, "id = ?", acct).Error)
	assert.True(t, stored.PinBalance.Equal(decimal.NewFromInt(2)))
}

func TestExpiredGraceDeletesPinsAndAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	acct := f.seedAccount(t, "-0.01", "1")
	f.seedPin(t, acct, "Qm1")
	f.seedPin(t, acct, "Qm2")

	_, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)

	// Day 8, still no top-up: pins and the whole account go away.
	f.clock.Advance(8 * 24 * time.Hour)
	result, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.EntitiesDeleted)
	assert.Equal(t, 1, result.AccountsDeleted)

	var pins int64
	require.NoError(t, f.db.Model(&pindomain.Pin{}).Count(&pins).Error)
	assert.Zero(t, pins)

	var accounts int64
	require.NoError(t, f.db.Model(&accountdomain.Account{}).Count(&accounts).Error)
	assert.Zero(t, accounts)
}

func TestGraceShorterThanWindowKeepsPins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	acct := f.seedAccount(t, "0", "1")
	pinID := f.seedPin(t, acct, "Qm1")

	_, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)

	f.clock.Advance(6 * 24 * time.Hour)
	result, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.EntitiesDeleted)
	assert.Equal(t, pindomain.PinStatusGracePeriod, f.pin(t, pinID).Status)
}

func TestBackupGraceMachineRunsInParallel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Pinning line funded, cluster line empty: only backups suffer.
	acct := f.seedAccount(t, "5", "0")
	pinID := f.seedPin(t, acct, "QmPin")
	backupID := f.seedBackup(t, acct, "QmBak")

	result, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.EnteredGrace)
	assert.Equal(t, pindomain.PinStatusPinned, f.pin(t, pinID).Status)

	var b backupdomain.ReplicatedBackup
	require.NoError(t, f.db.First(&b, "id = ?", backupID).Error)
	assert.Equal(t, backupdomain.BackupStatusGracePeriod, b.Status)

	// Expired backup grace cascades to account teardown including the
	// healthy pin.
	f.clock.Advance(8 * 24 * time.Hour)
	result, err = f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.AccountsDeleted)

	var pins int64
	require.NoError(t, f.db.Model(&pindomain.Pin{}).Count(&pins).Error)
	assert.Zero(t, pins)
}

func TestRunOnceIsIdempotentOnEmptyState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycledomain.RunResult{}, result)

	result, err = f.svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, lifecycledomain.RunResult{}, result)
}
