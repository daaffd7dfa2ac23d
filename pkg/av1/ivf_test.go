package av1

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapIVF(t *testing.T) {
	frame := []byte{0xaa, 0xbb, 0xcc}

	actual := WrapIVF(frame, 640, 480)

	expected := []byte{
		'D', 'K', 'I', 'F', // Signature.
		0, 0, // Version.
		32, 0, // Header size.
		'A', 'V', '0', '1', // Fourcc.
		0x80, 2, // Width.
		0xe0, 1, // Height.
		30, 0, 0, 0, // Timebase denominator.
		1, 0, 0, 0, // Timebase numerator.
		1, 0, 0, 0, // Frame count.
		0, 0, 0, 0, // Unused.
		3, 0, 0, 0, // Frame size.
		0, 0, 0, 0, 0, 0, 0, 0, // Timestamp.
		0xaa, 0xbb, 0xcc, // Frame.
	}
	require.Equal(t, expected, actual)
}

func TestStripIVF(t *testing.T) {
	t.Run("roundTrip", func(t *testing.T) {
		frame := []byte{1, 2, 3, 4, 5, 6, 7}

		actual, err := StripIVF(WrapIVF(frame, 64, 48))
		require.NoError(t, err)
		require.Equal(t, frame, actual)
	})

	t.Run("trailingFrames", func(t *testing.T) {
		// Extra frames after the first are ignored.
		buf := WrapIVF([]byte{1, 2, 3}, 64, 48)
		buf = append(buf, 0xff, 0xff)

		actual, err := StripIVF(buf)
		require.NoError(t, err)
		require.Equal(t, []byte{1, 2, 3}, actual)
	})

	t.Run("tooShort", func(t *testing.T) {
		_, err := StripIVF([]byte("DKIF"))
		require.ErrorIs(t, err, ErrInvalidIVF)
	})

	t.Run("badSignature", func(t *testing.T) {
		buf := WrapIVF([]byte{1}, 64, 48)
		buf[0] = 'X'

		_, err := StripIVF(buf)
		require.ErrorIs(t, err, ErrInvalidIVF)
	})

	t.Run("badFourcc", func(t *testing.T) {
		buf := WrapIVF([]byte{1}, 64, 48)
		copy(buf[8:12], "VP90")

		_, err := StripIVF(buf)
		require.ErrorIs(t, err, ErrInvalidIVF)
	})

	t.Run("frameBeyondBuffer", func(t *testing.T) {
		buf := WrapIVF([]byte{1, 2, 3}, 64, 48)
		buf = buf[:len(buf)-1]

		_, err := StripIVF(buf)
		require.ErrorIs(t, err, ErrInvalidIVF)
	})
}
