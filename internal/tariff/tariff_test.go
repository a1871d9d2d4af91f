package tariff

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	p, err := Lookup("romantic")
	require.NoError(t, err)
	assert.Equal(t, Romantic, p.Key)
	assert.Equal(t, 50, p.DailyLimit)
	assert.Equal(t, "990.00", p.PriceString())

	p, err = Lookup(" LOVELACE ")
	require.NoError(t, err)
	assert.True(t, p.Unbounded())

	_, err = Lookup("PLATINUM")
	assert.True(t, errors.Is(err, ErrUnknownPlan))
}

func TestAllows(t *testing.T) {
	alpha := MustLookup(Alpha)
	assert.True(t, alpha.Allows(149))
	assert.False(t, alpha.Allows(150))
	assert.True(t, MustLookup(Lovelace).Allows(1_000_000))

	assert.True(t, AllowsLimit(50, 49))
	assert.False(t, AllowsLimit(50, 50))
	assert.True(t, AllowsLimit(Unlimited, 50))
}

func TestAllOrdered(t *testing.T) {
	all := All()
	require.Len(t, all, 3)
	assert.Equal(t, []Key{Romantic, Alpha, Lovelace}, []Key{all[0].Key, all[1].Key, all[2].Key})
}

func TestMustLookupPanics(t *testing.T) {
	assert.Panics(t, func() { MustLookup("NOPE") })
}
