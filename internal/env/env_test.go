package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStr(t *testing.T) {
	t.Setenv("VG_TEST_STR", "")
	assert.Equal(t, "fallback", Str("VG_TEST_STR", "fallback"))

	t.Setenv("VG_TEST_STR", "set")
	assert.Equal(t, "set", Str("VG_TEST_STR", "fallback"))
}

func TestIntAndFloat(t *testing.T) {
	t.Setenv("VG_TEST_INT", "42")
	assert.Equal(t, 42, Int("VG_TEST_INT", 1))

	t.Setenv("VG_TEST_INT", "forty-two")
	assert.Equal(t, 1, Int("VG_TEST_INT", 1))

	t.Setenv("VG_TEST_FLOAT", "-30.5")
	assert.InDelta(t, -30.5, Float("VG_TEST_FLOAT", 0), 1e-9)
}

func TestBool(t *testing.T) {
	t.Setenv("VG_TEST_BOOL", "true")
	assert.True(t, Bool("VG_TEST_BOOL", false))

	t.Setenv("VG_TEST_BOOL", "maybe")
	assert.False(t, Bool("VG_TEST_BOOL", false))
}

func TestDuration(t *testing.T) {
	t.Setenv("VG_TEST_DUR", "750ms")
	assert.Equal(t, 750*time.Millisecond, Duration("VG_TEST_DUR", time.Second))

	t.Setenv("VG_TEST_DUR", "-1s")
	assert.Equal(t, time.Second, Duration("VG_TEST_DUR", time.Second))

	t.Setenv("VG_TEST_DUR", "soon")
	assert.Equal(t, time.Second, Duration("VG_TEST_DUR", time.Second))
}

func TestList(t *testing.T) {
	t.Setenv("VG_TEST_LIST", " stun:a:3478 , ,turn:b:3478 ")
	assert.Equal(t, []string{"stun:a:3478", "turn:b:3478"}, List("VG_TEST_LIST", nil))

	t.Setenv("VG_TEST_LIST", " , ")
	assert.Equal(t, []string{"x"}, List("VG_TEST_LIST", []string{"x"}))
}
