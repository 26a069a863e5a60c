package audio

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
)

func TestBuildWAVHeaderLayout(t *testing.T) {
	pcm := make([]byte, 3840)
	wav := BuildWAV(pcm, CaptureFormat)
	if len(wav) != HeaderSize+len(pcm) {
		t.Fatalf("length: want=%d got=%d", HeaderSize+len(pcm), len(wav))
	}
	le := binary.LittleEndian
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"riff size", le.Uint32(wav[4:8]), uint32(36 + len(pcm))},
		{"fmt size", le.Uint32(wav[16:20]), 16},
		{"format", uint32(le.Uint16(wav[20:22])), 1},
		{"channels", uint32(le.Uint16(wav[22:24])), 2},
		{"rate", le.Uint32(wav[24:28]), 48000},
		{"byte rate", le.Uint32(wav[28:32]), 192000},
		{"block align", uint32(le.Uint16(wav[32:34])), 4},
		{"bits", uint32(le.Uint16(wav[34:36])), 16},
		{"data size", le.Uint32(wav[40:44]), uint32(len(pcm))},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s: want=%d got=%d", c.name, c.want, c.got)
		}
	}
	for _, tag := range []struct {
		off int
		s   string
	}{{0, "RIFF"}, {8, "WAVE"}, {12, "fmt "}, {36, "data"}} {
		if string(wav[tag.off:tag.off+4]) != tag.s {
			t.Fatalf("tag at %d: want %q got %q", tag.off, tag.s, wav[tag.off:tag.off+4])
		}
	}
}

func TestWriteAndReadWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "u.wav")
	frames := [][]int16{{1, -1, 2, -2}, {32767, -32768}}
	if err := WriteWAVFile(path, frames); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, samples, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f != CaptureFormat {
		t.Fatalf("format: %+v", f)
	}
	want := []int16{1, -1, 2, -2, 32767, -32768}
	if len(samples) != len(want) {
		t.Fatalf("samples: %v", samples)
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("sample %d: want=%d got=%d", i, want[i], samples[i])
		}
	}
}

func TestReadWAVSkipsUnknownChunks(t *testing.T) {
	var buf bytes.Buffer
	base := BuildWAV([]byte{1, 0, 2, 0}, Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16})
	buf.Write(base[:36])
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0})
	buf.Write(base[36:])

	f, samples, err := ReadWAV(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.SampleRate != 24000 || f.Channels != 1 {
		t.Fatalf("format: %+v", f)
	}
	if len(samples) != 2 || samples[1] != 2 {
		t.Fatalf("samples: %v", samples)
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	if _, _, err := ReadWAV(bytes.NewReader([]byte("not a wav at all"))); err == nil {
		t.Fatalf("expected error")
	}
}

func TestToStereo48kAndChunk(t *testing.T) {
	mono24 := make([]int16, 480)
	for i := range mono24 {
		mono24[i] = int16(i)
	}
	out := ToStereo48k(Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}, mono24)
	if len(out) != 960*2 {
		t.Fatalf("expected 960 stereo frames, got %d samples", len(out))
	}
	if out[0] != out[1] {
		t.Fatalf("channels should match for mono input")
	}
	frames := Chunk(out[:len(out)-2])
	if len(frames) != 1 || len(frames[0]) != FrameSize*Channels {
		t.Fatalf("unexpected chunking: %d frames", len(frames))
	}
	if frames[0][len(frames[0])-1] != 0 {
		t.Fatalf("final frame should be zero padded")
	}
}
