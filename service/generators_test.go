package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeImageGenerator 可编程的文生图假实现
type fakeImageGenerator struct {
	calls  int
	fail   map[int]error
	onCall func(n int)
}

func (f *fakeImageGenerator) Generate(ctx context.Context, prompt string, style StyleParams) (*ImageCandidate, error) {
	n := f.calls
	f.calls++
	if f.onCall != nil {
		f.onCall(n)
	}
	if err := f.fail[n]; err != nil {
		return nil, err
	}
	return &ImageCandidate{
		Data:   []byte{0x89, 'P', 'N', 'G', byte(n)},
		Seed:   style.Seed,
		Engine: "flux",
		Width:  style.Width,
		Height: style.Height,
	}, nil
}

func TestCollectCandidatesAll(t *testing.T) {
	gen := &fakeImageGenerator{}
	var saved []int
	var lastProgress int

	produced, err := collectCandidates(context.Background(), gen, "晨雾", StyleParams{}, 3,
		func(i int, c *ImageCandidate) error {
			saved = append(saved, i)
			return nil
		},
		func(p int) { lastProgress = p })

	require.NoError(t, err)
	assert.Equal(t, 3, produced)
	assert.Equal(t, []int{0, 1, 2}, saved)
	assert.Equal(t, 100, lastProgress)
}

func TestCollectCandidatesCancelMidway(t *testing.T) {
	// 生成两张后取消：已产出的保留，返回已产出张数与取消错误
	ctx, cancel := context.WithCancel(context.Background())
	gen := &fakeImageGenerator{}
	gen.onCall = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	var saved []int

	produced, err := collectCandidates(ctx, gen, "晨雾", StyleParams{}, 3,
		func(i int, c *ImageCandidate) error {
			saved = append(saved, i)
			return nil
		}, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, produced)
	assert.Equal(t, []int{0, 1}, saved)
}

func TestCollectCandidatesSeedIncrement(t *testing.T) {
	gen := &fakeImageGenerator{}
	var seeds []int64

	_, err := collectCandidates(context.Background(), gen, "晨雾", StyleParams{Seed: 100}, 3,
		func(i int, c *ImageCandidate) error {
			seeds = append(seeds, c.Seed)
			return nil
		}, nil)

	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101, 102}, seeds)
}

func TestCollectCandidatesGenerateError(t *testing.T) {
	boom := errors.New("engine unavailable")
	gen := &fakeImageGenerator{fail: map[int]error{1: boom}}
	var saved []int

	produced, err := collectCandidates(context.Background(), gen, "晨雾", StyleParams{}, 3,
		func(i int, c *ImageCandidate) error {
			saved = append(saved, i)
			return nil
		}, nil)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, produced)
	assert.Equal(t, []int{0}, saved)
}

func TestCollectCandidatesSinkError(t *testing.T) {
	gen := &fakeImageGenerator{}
	boom := errors.New("disk full")

	produced, err := collectCandidates(context.Background(), gen, "晨雾", StyleParams{}, 2,
		func(i int, c *ImageCandidate) error { return boom }, nil)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, produced)
}

func TestCollectCandidatesZeroCount(t *testing.T) {
	// count<=0 按 1 处理
	gen := &fakeImageGenerator{}
	produced, err := collectCandidates(context.Background(), gen, "晨雾", StyleParams{}, 0,
		func(int, *ImageCandidate) error { return nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, produced)
}
