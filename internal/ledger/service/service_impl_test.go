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
	ledgerdomain "github.com/datahosting/pinbill/internal/ledger/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&accountdomain.Account{},
		&ledgerdomain.Invoice{},
	))
	return db
}

func newTestService(t *testing.T, db *gorm.DB) (*Service, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	}).(*Service)
	return svc, node
}

func seedAccount(t *testing.T, db *gorm.DB, node *snowflake.Node, general, pinning, cluster string) snowflake.ID {
	t.Helper()

	acct := accountdomain.Account{
		ID:                  node.Generate(),
		CreditBalance:       decimal.RequireFromString(general),
		PinBalance:          decimal.RequireFromString(pinning),
		ClusterBalance:      decimal.RequireFromString(cluster),
		BandwidthCycleStart: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&acct).Error)
	return acct.ID
}

func TestCreditAndDebitSingleLine(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	id := seedAccount(t, db, node, "10", "0", "0")

	balance, err := svc.Credit(ctx, db, id, accountdomain.LineGeneral, decimal.RequireFromString("2.5"))
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("12.5")), "got %s", balance)

	balance, err = svc.Debit(ctx, db, id, accountdomain.LineGeneral, decimal.RequireFromString("0.75"))
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("11.75")), "got %s", balance)
}

func TestDebitMayOverdraw(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	id := seedAccount(t, db, node, "0", "0.5", "0")

	balance, err := svc.Debit(ctx, db, id, accountdomain.LinePinning, decimal.RequireFromString("0.84"))
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("-0.34")), "got %s", balance)

	stored, err := svc.Balance(ctx, db, id, accountdomain.LinePinning)
	require.NoError(t, err)
	assert.True(t, stored.Equal(balance))
}

func TestLinesAreIndependent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	id := seedAccount(t, db, node, "1", "2", "3")

	_, err := svc.Debit(ctx, db, id, accountdomain.LineCluster, decimal.RequireFromString("3"))
	require.NoError(t, err)

	general, err := svc.Balance(ctx, db, id, accountdomain.LineGeneral)
	require.NoError(t, err)
	pinning, err := svc.Balance(ctx, db, id, accountdomain.LinePinning)
	require.NoError(t, err)
	cluster, err := svc.Balance(ctx, db, id, accountdomain.LineCluster)
	require.NoError(t, err)

	assert.True(t, general.Equal(decimal.NewFromInt(1)))
	assert.True(t, pinning.Equal(decimal.NewFromInt(2)))
	assert.True(t, cluster.Equal(decimal.Zero))
}

func TestNegativeAmountRejected(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	id := seedAccount(t, db, node, "1", "0", "0")

	_, err := svc.Credit(ctx, db, id, accountdomain.LineGeneral, decimal.RequireFromString("-1"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = svc.Debit(ctx, db, id, accountdomain.LineGeneral, decimal.RequireFromString("-1"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
}

func TestUnknownAccount(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc, _ := newTestService(t, db)

	_, err := svc.Debit(ctx, db, snowflake.ID(12345), accountdomain.LineGeneral, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}

func TestNoDriftOverManySmallDebits(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	id := seedAccount(t, db, node, "0", "0", "10")

	// One thousand daily-rate sized debits must land on an exact total.
	step := decimal.RequireFromString("0.0005125")
	for i := 0; i < 1000; i++ {
		_, err := svc.Debit(ctx, db, id, accountdomain.LineCluster, step)
		require.NoError(t, err)
	}

	balance, err := svc.Balance(ctx, db, id, accountdomain.LineCluster)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("9.4875")), "got %s", balance)
}

func TestRecordInvoiceAssignsID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	id := seedAccount(t, db, node, "0", "0", "0")

	inv := &ledgerdomain.Invoice{
		AccountID: id,
		TxID:      "tx-abc",
		Amount:    decimal.RequireFromString("5.25"),
		Currency:  "EUR",
	}
	require.NoError(t, svc.RecordInvoice(ctx, db, inv))
	assert.NotZero(t, inv.ID)

	var stored ledgerdomain.Invoice
	require.NoError(t, db.First(&stored, "tx_id = ?", "tx-abc").Error)
	assert.Equal(t, id, stored.AccountID)
	assert.True(t, stored.Amount.Equal(inv.Amount))
}

func TestToGB(t *testing.T) {
	assert.True(t, ledgerdomain.ToGB(1<<31).Equal(decimal.NewFromInt(2)))
	assert.True(t, ledgerdomain.ToGB(0).Equal(decimal.Zero))
	half := ledgerdomain.ToGB(1 << 29)
	assert.True(t, half.Equal(decimal.RequireFromString("0.5")), "got %s", half)
}
