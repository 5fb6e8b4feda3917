package identifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketIndexRange(t *testing.T) {
	self, err := Generate()
	require.NoError(t, err)

	for i := 0; i < 256; i++ {
		other, err := Generate()
		require.NoError(t, err)
		if other == self {
			continue
		}
		idx := BucketIndex(self, other)
		assert.GreaterOrEqual(t, idx, 0)
		assert.LessOrEqual(t, idx, 159)
	}
}

func TestBucketIndexSelf(t *testing.T) {
	self, err := Generate()
	require.NoError(t, err)
	assert.Equal(t, -1, BucketIndex(self, self))
}

func TestBucketIndexKnownValue(t *testing.T) {
	var self, other ID
	// other differs only in the least significant bit.
	other[Size-1] = 1
	assert.Equal(t, 159, BucketIndex(self, other))

	// other differs only in the most significant bit of the first byte.
	var other2 ID
	other2[0] = 0x80
	assert.Equal(t, 0, BucketIndex(self, other2))
}

func TestSortByDistanceOrdering(t *testing.T) {
	target := ID{}
	a := ID{}
	a[Size-1] = 1
	b := ID{}
	b[Size-1] = 2
	c := ID{}
	c[0] = 1

	ids := []ID{c, b, a}
	SortByDistance(ids, target)
	assert.Equal(t, []ID{a, b, c}, ids)
}

func TestRefreshTargetLandsInBucket(t *testing.T) {
	self, err := Generate()
	require.NoError(t, err)

	for bucket := 0; bucket < 160; bucket += 7 {
		target, err := RefreshTarget(self, bucket)
		require.NoError(t, err)
		assert.Equal(t, bucket, BucketIndex(self, target))
	}
}

func TestRefreshTargetInvalidBucket(t *testing.T) {
	self, err := Generate()
	require.NoError(t, err)
	_, err = RefreshTarget(self, -1)
	assert.Error(t, err)
	_, err = RefreshTarget(self, 160)
	assert.Error(t, err)
}

func TestDistanceXorSelfInverse(t *testing.T) {
	a, _ := Generate()
	b, _ := Generate()
	d := Distance(a, b)
	assert.Equal(t, b, Distance(a, d))
}

func TestFromHexRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	parsed, err := FromHex(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestFromBytesWrongLength(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}
