package audioutil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE
)

// Waveform is mono audio in [-1, 1].
type Waveform struct {
	Samples    []float64
	SampleRate int
}

// Duration in seconds.
func (w Waveform) Duration() float64 {
	if w.SampleRate == 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// DecodeWAV decodes a RIFF/WAVE file with PCM (8, 16, 24, 32 bit) or IEEE float (32, 64 bit) samples
// and mixes all channels down to mono.
func DecodeWAV(b []byte) (Waveform, error) {
	r := bytes.NewReader(b)
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Waveform{}, fmt.Errorf("reading riff header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Waveform{}, errors.New("not a RIFF/WAVE file")
	}

	var format *wavFormat
	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return Waveform{}, errors.New("wav file has no data chunk")
			}
			return Waveform{}, fmt.Errorf("reading chunk header: %w", err)
		}
		id := string(chunkHeader[0:4])
		size := int64(binary.LittleEndian.Uint32(chunkHeader[4:8]))
		if size > int64(r.Len()) {
			size = int64(r.Len())
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return Waveform{}, fmt.Errorf("reading %q chunk: %w", id, err)
		}
		if size%2 == 1 && r.Len() > 0 {
			_, _ = r.ReadByte()
		}

		switch id {
		case "fmt ":
			f, err := parseFormat(chunk)
			if err != nil {
				return Waveform{}, err
			}
			format = f
		case "data":
			if format == nil {
				return Waveform{}, errors.New("wav data chunk precedes fmt chunk")
			}
			return decodeSamples(chunk, format)
		}
	}
}

func parseFormat(chunk []byte) (*wavFormat, error) {
	if len(chunk) < 16 {
		return nil, errors.New("wav fmt chunk too short")
	}
	f := &wavFormat{
		audioFormat:   binary.LittleEndian.Uint16(chunk[0:2]),
		channels:      binary.LittleEndian.Uint16(chunk[2:4]),
		sampleRate:    binary.LittleEndian.Uint32(chunk[4:8]),
		bitsPerSample: binary.LittleEndian.Uint16(chunk[14:16]),
	}
	if f.audioFormat == formatExtensible {
		if len(chunk) < 26 {
			return nil, errors.New("wav extensible fmt chunk too short")
		}
		f.audioFormat = binary.LittleEndian.Uint16(chunk[24:26])
	}
	if f.channels == 0 || f.sampleRate == 0 {
		return nil, errors.New("wav header declares no channels or a zero sample rate")
	}
	switch {
	case f.audioFormat == formatPCM && (f.bitsPerSample == 8 || f.bitsPerSample == 16 || f.bitsPerSample == 24 || f.bitsPerSample == 32):
	case f.audioFormat == formatIEEEFloat && (f.bitsPerSample == 32 || f.bitsPerSample == 64):
	default:
		return nil, fmt.Errorf("unsupported wav encoding: format %d with %d bits per sample", f.audioFormat, f.bitsPerSample)
	}
	return f, nil
}

func decodeSamples(data []byte, f *wavFormat) (Waveform, error) {
	bytesPerSample := int(f.bitsPerSample / 8)
	channels := int(f.channels)
	frameSize := bytesPerSample * channels
	nFrames := len(data) / frameSize
	if nFrames == 0 {
		return Waveform{}, errors.New("wav data chunk is empty")
	}
	samples := make([]float64, nFrames)
	for i := 0; i < nFrames; i++ {
		sum := 0.0
		for c := 0; c < channels; c++ {
			offset := i*frameSize + c*bytesPerSample
			sum += sampleAt(data[offset:offset+bytesPerSample], f)
		}
		samples[i] = sum / float64(channels)
	}
	return Waveform{Samples: samples, SampleRate: int(f.sampleRate)}, nil
}

func sampleAt(b []byte, f *wavFormat) float64 {
	if f.audioFormat == formatIEEEFloat {
		if f.bitsPerSample == 32 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	switch f.bitsPerSample {
	case 8:
		return (float64(b[0]) - 128) / 128
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
	case 24:
		v := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608
	default:
		return float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648
	}
}

// Resample converts the waveform to targetRate with linear interpolation.
func Resample(w Waveform, targetRate int) Waveform {
	if w.SampleRate == targetRate || len(w.Samples) == 0 {
		return w
	}
	ratio := float64(w.SampleRate) / float64(targetRate)
	n := int(math.Floor(float64(len(w.Samples)) / ratio))
	out := make([]float64, n)
	last := len(w.Samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = w.Samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = w.Samples[j]*(1-frac) + w.Samples[j+1]*frac
	}
	return Waveform{Samples: out, SampleRate: targetRate}
}

// EncodeWAV16 writes mono 16-bit PCM. It is the inverse of DecodeWAV for that format.
func EncodeWAV16(samples []float64, sampleRate int) []byte {
	buf := &bytes.Buffer{}
	dataSize := uint32(len(samples) * 2)
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(formatPCM))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataSize)
	for _, s := range samples {
		s = math.Max(-1, math.Min(1, s))
		_ = binary.Write(buf, binary.LittleEndian, int16(s*32767))
	}
	return buf.Bytes()
}
