// Package audio holds the PCM helpers shared by capture, synthesis and
// playback: WAV framing, interleaving and rate conversion.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// Capture format handed to transcription.
	SampleRate    = 48000
	Channels      = 2
	BitsPerSample = 16
	// FrameSize is samples per channel in one 20 ms Opus frame.
	FrameSize = 960

	HeaderSize = 44
)

var ErrNotWAV = errors.New("not a PCM wav file")

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// CaptureFormat is the format of every captured utterance.
var CaptureFormat = Format{SampleRate: SampleRate, Channels: Channels, BitsPerSample: BitsPerSample}

// BuildWAV prefixes pcm with the canonical 44-byte RIFF/WAVE header.
func BuildWAV(pcm []byte, f Format) []byte {
	byteRate := uint32(f.SampleRate * f.Channels * f.BitsPerSample / 8)
	blockAlign := uint16(f.Channels * f.BitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(f.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(f.BitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// FramesToPCM flattens decoded frames into little-endian 16-bit bytes.
func FramesToPCM(frames [][]int16) []byte {
	total := 0
	for _, fr := range frames {
		total += len(fr)
	}
	out := make([]byte, total*2)
	i := 0
	for _, fr := range frames {
		for _, s := range fr {
			binary.LittleEndian.PutUint16(out[i:], uint16(s))
			i += 2
		}
	}
	return out
}

// PCMToSamples converts little-endian 16-bit bytes to samples. A trailing
// odd byte is ignored.
func PCMToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// WriteWAVFile writes frames as a capture-format WAV at path.
func WriteWAVFile(path string, frames [][]int16) error {
	return SaveFileAtomic(path, BuildWAV(FramesToPCM(frames), CaptureFormat), 0o644)
}

// ReadWAV parses a 16-bit PCM WAV stream. Chunks other than fmt and data
// are skipped so files from external synthesizers with LIST chunks load.
func ReadWAV(r io.Reader) (Format, []int16, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Format{}, nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return Format{}, nil, ErrNotWAV
	}
	var f Format
	haveFmt := false
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			return Format{}, nil, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
		}
		id := string(ch[0:4])
		size := int64(binary.LittleEndian.Uint32(ch[4:8]))
		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			if size < 16 || binary.LittleEndian.Uint16(body[0:2]) != 1 {
				return Format{}, nil, fmt.Errorf("%w: unsupported encoding", ErrNotWAV)
			}
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			if f.BitsPerSample != 16 {
				return Format{}, nil, fmt.Errorf("%w: %d-bit samples", ErrNotWAV, f.BitsPerSample)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, nil, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			body, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil {
				return Format{}, nil, err
			}
			return f, PCMToSamples(body), nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Format{}, nil, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
			}
		}
		if id == "fmt " && size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return Format{}, nil, ErrNotWAV
			}
		}
	}
}

// ReadWAVFile opens and parses path.
func ReadWAVFile(path string) (Format, []int16, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Format{}, nil, err
	}
	defer fh.Close()
	return ReadWAV(fh)
}
