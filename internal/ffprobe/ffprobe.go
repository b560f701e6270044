// Package ffprobe wraps the ffprobe and ffmpeg binaries for container
// probing and frame extraction.
//
// Probing never decodes media payloads; it reads container headers only.
// A missing binary or an unreadable container degrades to an absent result
// so callers can continue without a signature.
package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Probe is the subset of ffprobe output the pipeline consumes.
type Probe struct {
	Duration  float64 // seconds; 0 when the container reports none
	Width     int
	Height    int
	FrameRate float64
	Codec     string
	Rotation  int // degrees, from the display matrix side data
}

// ErrUnavailable is returned when the ffprobe binary is not installed.
var ErrUnavailable = errors.New("ffprobe binary not found")

type probeJSON struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		SideDataList []struct {
			Rotation int `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

// Run probes a media file. The returned error wraps ErrUnavailable when
// ffprobe is not installed; other errors indicate an unreadable container.
func Run(ctx context.Context, path string) (*Probe, error) {
	bin, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, ErrUnavailable
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var pj probeJSON
	if err := json.Unmarshal(out.Bytes(), &pj); err != nil {
		return nil, fmt.Errorf("ffprobe output for %s: %w", path, err)
	}

	p := &Probe{}
	if d, err := strconv.ParseFloat(pj.Format.Duration, 64); err == nil && d > 0 {
		p.Duration = d
	}
	for _, s := range pj.Streams {
		if s.CodecType != "video" {
			continue
		}
		p.Width = s.Width
		p.Height = s.Height
		p.Codec = s.CodecName
		p.FrameRate = parseRate(s.AvgFrameRate)
		for _, sd := range s.SideDataList {
			if sd.Rotation != 0 {
				p.Rotation = sd.Rotation
			}
		}
		break
	}
	if p.Codec == "" {
		for _, s := range pj.Streams {
			if s.CodecType == "audio" {
				p.Codec = s.CodecName
				break
			}
		}
	}
	return p, nil
}

// ExtractFrame decodes one frame at the given time into PNG bytes, scaled
// to fit within cap×cap while preserving aspect ratio. The -ss flag sits
// before -i for keyframe-relative seeking, which is what a fingerprint
// wants: fast and stable for a given input file.
func ExtractFrame(ctx context.Context, path string, atSeconds float64, capPx int) ([]byte, error) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, ErrUnavailable
	}

	scale := fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease", capPx, capPx)
	cmd := exec.CommandContext(ctx, bin,
		"-v", "quiet",
		"-ss", strconv.FormatFloat(atSeconds, 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-vf", scale,
		"-f", "image2pipe",
		"-vcodec", "png",
		"-")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame %s@%.3fs: %w", path, atSeconds, err)
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg frame %s@%.3fs: no frame produced", path, atSeconds)
	}
	return out.Bytes(), nil
}

// parseRate parses an ffprobe rational like "30000/1001".
func parseRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	num, den, found := strings.Cut(s, "/")
	if !found {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
