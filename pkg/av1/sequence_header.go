package av1

import (
	"bytes"
	"fmt"

	"github.com/icza/bitio"
)

func readFlag(br *bitio.Reader) (bool, error) {
	tmp, err := br.ReadBits(1)
	if err != nil {
		return false, err
	}

	return (tmp == 1), nil
}

func readUvlc(br *bitio.Reader) (uint64, error) {
	leadingZeros := 0

	for {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}

		if b != 0 {
			break
		}

		leadingZeros++
		if leadingZeros >= 32 {
			return (1 << 32) - 1, nil
		}
	}

	value, err := br.ReadBits(uint8(leadingZeros))
	if err != nil {
		return 0, err
	}

	return value + (1 << leadingZeros) - 1, nil
}

// SequenceHeader is the subset of an AV1 sequence header OBU needed
// to size the decoded frame.
type SequenceHeader struct {
	Profile                   uint8
	StillPicture              bool
	ReducedStillPictureHeader bool

	// Resolved maximum frame dimensions in pixels.
	MaxFrameWidth  int
	MaxFrameHeight int
}

// Unmarshal parses a sequence header OBU payload.
func (h *SequenceHeader) Unmarshal(buf []byte) error {
	br := bitio.NewReader(bytes.NewReader(buf))

	tmp, err := br.ReadBits(3)
	if err != nil {
		return fmt.Errorf("seq_profile: %w", err)
	}
	h.Profile = uint8(tmp)

	h.StillPicture, err = readFlag(br)
	if err != nil {
		return fmt.Errorf("still_picture: %w", err)
	}

	h.ReducedStillPictureHeader, err = readFlag(br)
	if err != nil {
		return fmt.Errorf("reduced_still_picture_header: %w", err)
	}

	if h.ReducedStillPictureHeader {
		if _, err := br.ReadBits(5); err != nil { // seq_level_idx[0].
			return fmt.Errorf("seq_level_idx: %w", err)
		}
	} else if err := h.unmarshalOperatingPoints(br); err != nil {
		return err
	}

	widthBits, err := br.ReadBits(4)
	if err != nil {
		return fmt.Errorf("frame_width_bits_minus_1: %w", err)
	}

	heightBits, err := br.ReadBits(4)
	if err != nil {
		return fmt.Errorf("frame_height_bits_minus_1: %w", err)
	}

	maxWidth, err := br.ReadBits(uint8(widthBits) + 1)
	if err != nil {
		return fmt.Errorf("max_frame_width_minus_1: %w", err)
	}
	h.MaxFrameWidth = int(maxWidth) + 1

	maxHeight, err := br.ReadBits(uint8(heightBits) + 1)
	if err != nil {
		return fmt.Errorf("max_frame_height_minus_1: %w", err)
	}
	h.MaxFrameHeight = int(maxHeight) + 1

	return nil
}

// The timing, decoder model and operating point fields that precede
// the frame size when reduced_still_picture_header is unset. All
// values are read and discarded.
func (h *SequenceHeader) unmarshalOperatingPoints(br *bitio.Reader) error { //nolint:funlen
	timingInfoPresent, err := readFlag(br)
	if err != nil {
		return err
	}

	decoderModelInfoPresent := false
	bufferDelayLength := uint8(0)
	if timingInfoPresent {
		if _, err := br.ReadBits(32); err != nil { // num_units_in_display_tick.
			return err
		}
		if _, err := br.ReadBits(32); err != nil { // time_scale.
			return err
		}

		equalPictureInterval, err := readFlag(br)
		if err != nil {
			return err
		}
		if equalPictureInterval {
			if _, err := readUvlc(br); err != nil { // num_ticks_per_picture_minus_1.
				return err
			}
		}

		decoderModelInfoPresent, err = readFlag(br)
		if err != nil {
			return err
		}
		if decoderModelInfoPresent {
			tmp, err := br.ReadBits(5) // buffer_delay_length_minus_1.
			if err != nil {
				return err
			}
			bufferDelayLength = uint8(tmp) + 1

			if _, err := br.ReadBits(32); err != nil { // num_units_in_decoding_tick.
				return err
			}
			if _, err := br.ReadBits(10); err != nil { // buffer_removal_time_length_minus_1, frame_presentation_time_length_minus_1.
				return err
			}
		}
	}

	initialDisplayDelayPresent, err := readFlag(br)
	if err != nil {
		return err
	}

	operatingPoints, err := br.ReadBits(5) // operating_points_cnt_minus_1.
	if err != nil {
		return err
	}

	for i := uint64(0); i <= operatingPoints; i++ {
		if _, err := br.ReadBits(12); err != nil { // operating_point_idc[i].
			return err
		}

		seqLevelIdx, err := br.ReadBits(5)
		if err != nil {
			return err
		}
		if seqLevelIdx > 7 {
			if _, err := br.ReadBits(1); err != nil { // seq_tier[i].
				return err
			}
		}

		if decoderModelInfoPresent {
			decoderModelPresent, err := readFlag(br)
			if err != nil {
				return err
			}
			if decoderModelPresent {
				if _, err := br.ReadBits(bufferDelayLength); err != nil { // decoder_buffer_delay[i].
					return err
				}
				if _, err := br.ReadBits(bufferDelayLength); err != nil { // encoder_buffer_delay[i].
					return err
				}
				if _, err := br.ReadBits(1); err != nil { // low_delay_mode_flag[i].
					return err
				}
			}
		}

		if initialDisplayDelayPresent {
			delayPresent, err := readFlag(br)
			if err != nil {
				return err
			}
			if delayPresent {
				if _, err := br.ReadBits(4); err != nil { // initial_display_delay_minus_1[i].
					return err
				}
			}
		}
	}

	return nil
}
