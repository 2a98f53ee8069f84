package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	id        string
	createdAt time.Time
}

func rowKey(r row) (time.Time, string) { return r.createdAt, r.id }

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	c, err := Decode(Encode(ts, "dsp_abc123"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ts, c.CreatedAt)
	assert.Equal(t, "dsp_abc123", c.ID)

	c, err = Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"not-base64!!!", "bm9waXBl", "YWJjfGRzcA=="} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursor_Precedes(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "dsp_b"}

	assert.True(t, c.Precedes(ts, "dsp_c"))
	assert.False(t, c.Precedes(ts, "dsp_b"))
	assert.False(t, c.Precedes(ts, "dsp_a"))
	assert.True(t, c.Precedes(ts.Add(time.Second), "dsp_a"))
	assert.False(t, c.Precedes(ts.Add(-time.Second), "dsp_z"))

	var none *Cursor
	assert.True(t, none.Precedes(ts, "dsp_a"))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 100, Clamp(0, 100))
	assert.Equal(t, 100, Clamp(-3, 100))
	assert.Equal(t, 100, Clamp(500, 100))
	assert.Equal(t, 25, Clamp(25, 100))
}

func TestComputePage(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []row{{"dsp_a", base}, {"dsp_b", base}, {"dsp_c", base.Add(time.Minute)}, {"dsp_d", base.Add(2 * time.Minute)}}

	page, next, more := ComputePage(rows, 3, rowKey)
	assert.Len(t, page, 3)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "dsp_c", c.ID)
	assert.True(t, c.Precedes(rowKey(rows[3])))

	page, next, more = ComputePage(rows[:3], 3, rowKey)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)
}
