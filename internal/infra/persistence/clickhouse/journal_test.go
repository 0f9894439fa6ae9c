package clickhouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tranche/internal/domain/journal"
)

type fakeBatch struct {
	driver.Batch
	owner *fakeConn
	rows  [][]any
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Abort() error { return nil }

func (b *fakeBatch) Send() error {
	if b.owner.sendErr != nil {
		return b.owner.sendErr
	}
	b.owner.sent = append(b.owner.sent, b.rows...)
	return nil
}

type fakeConn struct {
	queries []string
	sent    [][]any
	sendErr error
}

func (c *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	c.queries = append(c.queries, query)
	return &fakeBatch{owner: c}, nil
}

func entry(i int) journal.Entry {
	return journal.Entry{StrategyID: int64(i), Kind: "ledger", Name: "price_update", Payload: []byte(`{}`), At: time.Unix(int64(i), 0)}
}

func TestJournalWritesFullBatches(t *testing.T) {
	conn := &fakeConn{}
	j := NewJournal(conn, 3)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, entry(1)))
	require.NoError(t, j.Append(ctx, entry(2)))
	assert.Empty(t, conn.queries)
	require.NoError(t, j.Append(ctx, entry(3)))

	require.Len(t, conn.sent, 3)
	assert.Equal(t, insertEventsSQL, conn.queries[0])
	assert.Equal(t, []any{int64(1), "ledger", "price_update", "{}", time.Unix(1, 0).UTC()}, conn.sent[0])
	assert.Zero(t, j.Buffered())
}

func TestJournalFlushWritesPartialBatch(t *testing.T) {
	conn := &fakeConn{}
	j := NewJournal(conn, 10)
	ctx := context.Background()

	require.NoError(t, j.Flush(ctx))
	assert.Empty(t, conn.queries, "empty flush must not prepare a batch")

	require.NoError(t, j.Append(ctx, entry(1)))
	require.NoError(t, j.Flush(ctx))
	assert.Len(t, conn.sent, 1)
}

func TestJournalKeepsEntriesWhenSendFails(t *testing.T) {
	conn := &fakeConn{sendErr: errors.New("connection refused")}
	j := NewJournal(conn, 2)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, entry(1)))
	assert.Error(t, j.Append(ctx, entry(2)))
	assert.Equal(t, 2, j.Buffered())

	conn.sendErr = nil
	require.NoError(t, j.Flush(ctx))
	assert.Len(t, conn.sent, 2)
	assert.Zero(t, j.Buffered())
}

func TestJournalDropsOldestBeyondBacklog(t *testing.T) {
	conn := &fakeConn{sendErr: errors.New("down")}
	j := NewJournal(conn, 1)
	ctx := context.Background()

	for i := 1; i <= maxBufferedBatches+5; i++ {
		_ = j.Append(ctx, entry(i))
	}
	assert.Equal(t, maxBufferedBatches, j.Buffered())

	conn.sendErr = nil
	require.NoError(t, j.Flush(ctx))
	assert.Equal(t, int64(6), conn.sent[0][0], "oldest entries should be dropped first")
}

func TestParseDSN(t *testing.T) {
	opts, err := parseDSN("clickhouse://reader:pw@ch.internal/journal")
	require.NoError(t, err)
	assert.Equal(t, []string{"ch.internal:9000"}, opts.Addr)
	assert.Equal(t, "reader", opts.Auth.Username)
	assert.Equal(t, "pw", opts.Auth.Password)
	assert.Equal(t, "journal", opts.Auth.Database)

	opts, err = parseDSN("tcp://localhost:19000")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:19000"}, opts.Addr)
	assert.Empty(t, opts.Auth.Database)

	_, err = parseDSN("http://localhost:8123")
	assert.Error(t, err)
	_, err = parseDSN("clickhouse:///nohost")
	assert.Error(t, err)
}
