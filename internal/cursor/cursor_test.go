package cursor

import (
	"testing"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/directoryd/internal/dn"
	"github.com/netresearch/directoryd/internal/entry"
	"github.com/netresearch/directoryd/internal/ldaperr"
	"github.com/netresearch/directoryd/internal/schema"
)

func entries(t *testing.T, count int) []*entry.Entry {
	t.Helper()

	reg := schema.Bootstrap()
	out := make([]*entry.Entry, count)
	for i := range out {
		parsed, err := dn.Parse("ou=e" + string(rune('a'+i)) + ",ou=system")
		require.NoError(t, err)
		norm, err := parsed.Normalize(reg)
		require.NoError(t, err)
		out[i] = entry.New(norm)
	}

	return out
}

func TestFromSliceExhausts(t *testing.T) {
	cur := FromSlice(entries(t, 2))

	first, err := cur.Next()
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := cur.Next()
	require.NoError(t, err)
	require.NotNil(t, second)

	done, err := cur.Next()
	require.NoError(t, err)
	assert.Nil(t, done)

	assert.NoError(t, cur.Close())
}

func TestFilteredSkips(t *testing.T) {
	all := entries(t, 4)
	keep := all[2].DN().Norm()

	cur := Filtered(FromSlice(all), func(e *entry.Entry) bool {
		return e.DN().Norm() == keep
	})

	got, err := Drain(cur)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep, got[0].DN().Norm())
}

func TestMappedDropsNil(t *testing.T) {
	all := entries(t, 3)

	cur := Mapped(FromSlice(all), func(e *entry.Entry) *entry.Entry {
		if e.DN().Norm() == all[1].DN().Norm() {
			return nil
		}

		return e
	})

	got, err := Drain(cur)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSizeLimitFailsAfterLimitDelivered(t *testing.T) {
	cur := Limited(FromSlice(entries(t, 10)), 7, 0)

	delivered := 0
	var err error
	for {
		var e *entry.Entry
		e, err = cur.Next()
		if err != nil || e == nil {
			break
		}
		delivered++
	}

	assert.Equal(t, 7, delivered)
	require.Error(t, err)
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultSizeLimitExceeded))
}

func TestSizeLimitZeroIsUnlimited(t *testing.T) {
	got, err := Drain(Limited(FromSlice(entries(t, 5)), 0, 0))
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestTimeLimitExceeded(t *testing.T) {
	cur := Limited(FromSlice(entries(t, 3)), 0, time.Nanosecond)
	time.Sleep(time.Millisecond)

	_, err := cur.Next()
	require.Error(t, err)
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultTimeLimitExceeded))
}

func TestCancel(t *testing.T) {
	cur := WithCancel(FromSlice(entries(t, 3)))

	first, err := cur.Next()
	require.NoError(t, err)
	require.NotNil(t, first)

	cur.Cancel()

	_, err = cur.Next()
	require.Error(t, err)
	assert.True(t, ldaperr.IsCode(err, ldap.LDAPResultCanceled))
}

func TestReleaseRunsOnceOnClose(t *testing.T) {
	released := 0
	cur := WithRelease(FromSlice(entries(t, 1)), func() { released++ })

	require.NoError(t, cur.Close())
	require.NoError(t, cur.Close())
	assert.Equal(t, 1, released)
}

func TestConcat(t *testing.T) {
	a := entries(t, 2)
	b := entries(t, 3)

	got, err := Drain(Concat(FromSlice(a), FromSlice(b)))
	require.NoError(t, err)
	assert.Len(t, got, 5)
}
