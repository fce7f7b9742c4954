package media

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/goccy/go-json"
)

var ErrFFprobeDurationInvalid = fmt.Errorf("got no packets from ffprobe, likely a bad file")

type Packet struct {
	CodecType    string `json:"codec_type"`
	StreamIndex  int    `json:"stream_index"`
	PtsTime      string `json:"pts_time"`
	DurationTime string `json:"duration_time"`

	ParsedPtsTime      float64 `json:"-"`
	ParsedDurationTime float64 `json:"-"`
}

type FFprobePacketsOutput struct {
	Packets []Packet `json:"packets"`
}

func (f *FFmpeg) ffprobeGetPacketsFromFile(ctx context.Context, filePath string) ([]Packet, error) {
	cmd := exec.CommandContext(ctx,
		f.ffprobeBinary,
		"-i", filePath,
		"-v", "error",
		"-select_streams", "a:0",
		"-print_format", "json",
		"-show_entries", "packet=codec_type,stream_index,pts_time,duration_time",
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running ffprobe: %w", err)
	}

	var response FFprobePacketsOutput
	err = json.Unmarshal(output, &response)
	if err != nil {
		return nil, fmt.Errorf("parsing ffprobe json response: %w", err)
	}

	for i := range response.Packets {
		packet := &response.Packets[i]

		packet.ParsedPtsTime, err = strconv.ParseFloat(packet.PtsTime, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing PtsTime: %w", err)
		}
		packet.ParsedDurationTime, err = strconv.ParseFloat(packet.DurationTime, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing DurationTime: %w", err)
		}
	}

	return response.Packets, nil
}

// FFprobeDurationFromFile gets the duration of the audio in filePath in
// seconds: `max pts time + duration time` over its packets.
//
// Packet metadata is used because recorder containers (MediaRecorder webm in
// particular) often carry no duration header.
func (f *FFmpeg) FFprobeDurationFromFile(ctx context.Context, filePath string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.commandTimeout)
	defer cancel()

	packets, err := f.ffprobeGetPacketsFromFile(ctx, filePath)
	if err != nil {
		return 0, fmt.Errorf("getting packets: %w", err)
	}

	if len(packets) == 0 {
		return 0, ErrFFprobeDurationInvalid
	}

	var maxPacket Packet
	for _, packet := range packets {
		if packet.ParsedPtsTime >= maxPacket.ParsedPtsTime {
			maxPacket = packet
		}
	}

	return maxPacket.ParsedPtsTime + maxPacket.ParsedDurationTime, nil
}
