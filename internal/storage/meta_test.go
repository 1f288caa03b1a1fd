package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaEncodeDecodeRoundTrip(t *testing.T) {
	m := Meta{
		Magic:          MagicNumber,
		Version:        FormatVersion,
		PageSize:       Size,
		CatalogRoot:    3,
		FreelistHead:   4,
		NextPageID:     5,
		TxnID:          99,
		LastCheckpoint: 42,
	}
	buf := m.Encode()

	back, ok := DecodeMeta(buf)
	require.True(t, ok)
	assert.Equal(t, m.CatalogRoot, back.CatalogRoot)
	assert.Equal(t, m.TxnID, back.TxnID)
	assert.Equal(t, m.NextPageID, back.NextPageID)
}

func TestDecodeMetaRejectsBadMagic(t *testing.T) {
	m := Meta{Magic: 0xDEADBEEF, Version: FormatVersion}
	buf := m.Encode()
	_, ok := DecodeMeta(buf)
	assert.False(t, ok)
}

func TestDecodeMetaRejectsTornWrite(t *testing.T) {
	m := Meta{Magic: MagicNumber, Version: FormatVersion, TxnID: 1}
	buf := m.Encode()
	buf[10] ^= 0xFF
	_, ok := DecodeMeta(buf)
	assert.False(t, ok, "corrupted meta bytes must fail checksum validation")
}
