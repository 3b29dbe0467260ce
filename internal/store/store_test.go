package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanAfterOrderAndCursor(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	prefix := []byte("ledger/")
	err = s.Update(func(txn *Txn) error {
		for _, k := range []string{"addr3", "addr1", "addr5", "addr2", "addr4"} {
			if err := txn.Set(append(prefix, []byte(k)...), k); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	// Full scan comes back in ascending key order.
	var seen []string
	err = s.View(func(txn *Txn) error {
		_, _, err := txn.ScanAfter(prefix, nil, 0, func(suffix, _ []byte) error {
			seen = append(seen, string(suffix))
			return nil
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"addr1", "addr2", "addr3", "addr4", "addr5"}, seen)

	// Paginated scan with limit 2 resumes strictly after the cursor.
	var (
		cursor []byte
		pages  [][]string
	)
	for {
		var page []string
		var n int
		err = s.View(func(txn *Txn) error {
			var err error
			n, cursor, err = txn.ScanAfter(prefix, cursor, 2, func(suffix, _ []byte) error {
				page = append(page, string(suffix))
				return nil
			})
			return err
		})
		require.NoError(t, err)
		if n == 0 {
			break
		}
		pages = append(pages, page)
		if n < 2 {
			break
		}
	}
	assert.Equal(t, [][]string{{"addr1", "addr2"}, {"addr3", "addr4"}, {"addr5"}}, pages)
}

func TestDeletePrefix(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	err = s.Update(func(txn *Txn) error {
		for i := 0; i < 10; i++ {
			if err := txn.Set([]byte(fmt.Sprintf("funds/1/p%d", i)), i); err != nil {
				return err
			}
		}
		return txn.Set([]byte("funds/2/p0"), 0)
	})
	require.NoError(t, err)

	var deleted int
	err = s.Update(func(txn *Txn) error {
		var err error
		deleted, err = txn.DeletePrefix([]byte("funds/1/"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 10, deleted)

	err = s.View(func(txn *Txn) error {
		var v int
		found, err := txn.Get([]byte("funds/2/p0"), &v)
		require.NoError(t, err)
		assert.True(t, found, "other round's entries must survive")
		return nil
	})
	require.NoError(t, err)
}

func TestGetMissing(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	err = s.View(func(txn *Txn) error {
		var v string
		found, err := txn.Get([]byte("nope"), &v)
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)
}
