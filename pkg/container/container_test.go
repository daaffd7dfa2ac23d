package container

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshal(t *testing.T) {
	t.Run("colorOnly", func(t *testing.T) {
		record := Record{
			Version:      VersionOpaque,
			Width:        4,
			Height:       2,
			ColorPayload: []byte{0x41, 0x42},
		}

		actual, err := record.Marshal()
		require.NoError(t, err)

		expected := []byte{
			'M', 'i', 'l', 'i', 'm', 'g', '0', '0', // Magic.
			0, 0, 0, 0, // Version.
			0, 0, 0, 4, // Width.
			0, 0, 0, 2, // Height.
			0, 0, 0, 0, 0, 0, 0, 2, // Color length.
			0x41, 0x42, // Color payload.
		}
		require.Equal(t, expected, actual)
		require.Equal(t, 30, record.Size())
	})

	t.Run("emptyColor", func(t *testing.T) {
		record := Record{Version: VersionOpaque}

		actual, err := record.Marshal()
		require.NoError(t, err)

		expected := []byte{
			'M', 'i', 'l', 'i', 'm', 'g', '0', '0', // Magic.
			0, 0, 0, 0, // Version.
			0, 0, 0, 0, // Width.
			0, 0, 0, 0, // Height.
			0, 0, 0, 0, 0, 0, 0, 0, // Color length.
		}
		require.Equal(t, expected, actual)
		require.Equal(t, 28, record.Size())

		var parsed Record
		n, err := parsed.Unmarshal(bytes.NewReader(actual))
		require.NoError(t, err)
		require.Equal(t, 28, n)
		require.Empty(t, parsed.ColorPayload)
	})

	t.Run("alpha", func(t *testing.T) {
		record := Record{
			Version:      VersionAlpha,
			Width:        16,
			Height:       9,
			ColorPayload: []byte{1, 2, 3, 4, 5},
			AlphaPayload: []byte{6, 7, 8},
		}

		actual, err := record.Marshal()
		require.NoError(t, err)

		expected := []byte{
			'M', 'i', 'l', 'i', 'm', 'g', '0', '0', // Magic.
			0, 0, 0, 1, // Version.
			0, 0, 0, 16, // Width.
			0, 0, 0, 9, // Height.
			0, 0, 0, 0, 0, 0, 0, 5, // Color length.
			1, 2, 3, 4, 5, // Color payload.
			0, 0, 0, 0, 0, 0, 0, 3, // Alpha length.
			6, 7, 8, // Alpha payload.
		}
		require.Equal(t, expected, actual)
		require.Equal(t, 44, record.Size())
	})

	t.Run("invalid", func(t *testing.T) {
		cases := map[string]Record{
			"version2":       {Version: 2, ColorPayload: []byte{1}},
			"opaqueMismatch": {Version: VersionOpaque, AlphaPayload: []byte{1}},
			"alphaMismatch":  {Version: VersionAlpha, ColorPayload: []byte{1}},
		}
		for name, record := range cases {
			t.Run(name, func(t *testing.T) {
				actual, err := record.Marshal()
				require.ErrorIs(t, err, ErrInvalidRecord)
				require.Nil(t, actual)
			})
		}
	})
}

func TestUnmarshal(t *testing.T) {
	t.Run("roundTrip", func(t *testing.T) {
		cases := map[string]Record{
			"opaque": {
				Version:      VersionOpaque,
				Width:        1920,
				Height:       1080,
				ColorPayload: []byte{0xde, 0xad, 0xbe, 0xef},
			},
			"opaqueEmpty": {
				Version:      VersionOpaque,
				ColorPayload: []byte{},
			},
			"alpha": {
				Version:      VersionAlpha,
				Width:        640,
				Height:       480,
				ColorPayload: []byte{1, 2, 3},
				AlphaPayload: []byte{4, 5},
			},
			"alphaEmpty": {
				Version:      VersionAlpha,
				Width:        8,
				Height:       8,
				ColorPayload: []byte{9},
				AlphaPayload: []byte{},
			},
			"maxDimensions": {
				Version:      VersionOpaque,
				Width:        0xffffffff,
				Height:       0xffffffff,
				ColorPayload: []byte{0},
			},
		}
		for name, record := range cases {
			t.Run(name, func(t *testing.T) {
				buf, err := record.Marshal()
				require.NoError(t, err)
				require.Equal(t, record.Size(), len(buf))

				var parsed Record
				n, err := parsed.Unmarshal(bytes.NewReader(buf))
				require.NoError(t, err)
				require.Equal(t, len(buf), n)
				require.Equal(t, record, parsed)
			})
		}
	})

	t.Run("badMagic", func(t *testing.T) {
		buf := []byte{
			'M', 'i', 'l', 'i', 'm', 'g', '0', '1', // Magic.
			0, 0, 0, 0, // Version.
			0, 0, 0, 4, // Width.
			0, 0, 0, 2, // Height.
			0, 0, 0, 0, 0, 0, 0, 2, // Color length.
			0x41, 0x42, // Color payload.
		}

		var record Record
		_, err := record.Unmarshal(bytes.NewReader(buf))
		require.ErrorIs(t, err, ErrBadMagic)

		// Nothing beyond the signature is required to reject.
		_, err = record.Unmarshal(bytes.NewReader([]byte("MILIMG00")))
		require.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("unsupportedVersion", func(t *testing.T) {
		for _, version := range []byte{2, 0xff} {
			buf := []byte{
				'M', 'i', 'l', 'i', 'm', 'g', '0', '0', // Magic.
				0, 0, 0, version, // Version.
				0, 0, 0, 4, // Width.
				0, 0, 0, 2, // Height.
				0, 0, 0, 0, 0, 0, 0, 0, // Color length.
			}

			var record Record
			_, err := record.Unmarshal(bytes.NewReader(buf))
			require.ErrorIs(t, err, ErrUnsupportedVersion)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		full := Record{
			Version:      VersionAlpha,
			Width:        4,
			Height:       2,
			ColorPayload: []byte{1, 2, 3, 4, 5},
			AlphaPayload: []byte{6, 7, 8},
		}
		buf, err := full.Marshal()
		require.NoError(t, err)

		// Every strict prefix must fail, never succeed or hang.
		for size := 0; size < len(buf); size++ {
			t.Run(fmt.Sprint(size), func(t *testing.T) {
				var record Record
				_, err := record.Unmarshal(bytes.NewReader(buf[:size]))
				require.ErrorIs(t, err, ErrTruncated)
			})
		}
	})

	t.Run("lyingLength", func(t *testing.T) {
		// Length field that vastly exceeds the stream must fail
		// without a giant allocation.
		buf := []byte{
			'M', 'i', 'l', 'i', 'm', 'g', '0', '0', // Magic.
			0, 0, 0, 0, // Version.
			0, 0, 0, 4, // Width.
			0, 0, 0, 2, // Height.
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, // Color length.
			0x41, 0x42, // Color payload.
		}

		var record Record
		_, err := record.Unmarshal(bytes.NewReader(buf))
		require.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("trailingBytes", func(t *testing.T) {
		record := Record{
			Version:      VersionOpaque,
			Width:        4,
			Height:       2,
			ColorPayload: []byte{0x41, 0x42},
		}
		buf, err := record.Marshal()
		require.NoError(t, err)
		buf = append(buf, 0xca, 0xfe, 0xba, 0xbe)

		rd := bytes.NewReader(buf)

		var parsed Record
		n, err := parsed.Unmarshal(rd)
		require.NoError(t, err)
		require.Equal(t, record.Size(), n)

		// The trailing bytes are left for the caller.
		rest, err := io.ReadAll(rd)
		require.NoError(t, err)
		require.Equal(t, []byte{0xca, 0xfe, 0xba, 0xbe}, rest)
	})
}

func TestUnmarshalHeader(t *testing.T) {
	t.Run("working", func(t *testing.T) {
		buf := []byte{
			'M', 'i', 'l', 'i', 'm', 'g', '0', '0', // Magic.
			0, 0, 0, 1, // Version.
			0, 0, 1, 0, // Width.
			0, 0, 0, 144, // Height.
		}

		rd := bytes.NewReader(buf)

		var header Header
		n, err := header.Unmarshal(rd)
		require.NoError(t, err)
		require.Equal(t, 20, n)
		require.Equal(t, Header{Version: 1, Width: 256, Height: 144}, header)

		// The payload sections are left unread.
		remaining, err := io.ReadAll(rd)
		require.NoError(t, err)
		require.Empty(t, remaining)
	})

	t.Run("truncated", func(t *testing.T) {
		var header Header
		_, err := header.Unmarshal(bytes.NewReader([]byte("Milimg00\x00\x00")))
		require.ErrorIs(t, err, ErrTruncated)
	})
}
