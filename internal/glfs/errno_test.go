// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package glfs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrno(t *testing.T) {
	require.Equal(t, "input/output error", EIO.Error())
	require.Equal(t, "errno 200", Errno(200).Error())
	require.Equal(t, int64(-5), EIO.Ret())
}

func TestToErrno(t *testing.T) {
	require.Equal(t, ENOENT, ToErrno(fmt.Errorf("open: %w", ENOENT)))
	require.Equal(t, EIO, ToErrno(errors.New("something else")))
}

func TestFeatures(t *testing.T) {
	require.True(t, FeatureAll.Has(FeatureDiscard))
	require.True(t, FeatureAll.Has(FeatureDiscard|FeatureZerofill))
	require.False(t, FeatureDiscard.Has(FeatureZerofill))
	require.True(t, Features(0).Has(0))
}

func TestIovLen(t *testing.T) {
	require.Equal(t, int64(0), IovLen(nil))
	require.Equal(t, int64(7), IovLen([][]byte{make([]byte, 3), nil, make([]byte, 4)}))
}
