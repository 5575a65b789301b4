package encode

import (
	"strconv"

	"github.com/kballard/go-shellquote"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
	"github.com/SeriousBug/frame-shift-video-sub000/queue"
)

// BuildCommand assembles the stored encoder invocation for one input
// file. args is the encoding configuration's argv fragment (codec,
// filters, quality); threads and extraArgs come from the operator's
// environment and are appended after it. extraArgs is shell-quoted
// text, split with shell word rules.
func BuildCommand(inputPath, outputPath string, args []string, threads int, extraArgs string) (queue.FFmpegCommand, error) {
	full := make([]string, 0, len(args)+4)
	full = append(full, args...)

	if threads > 0 {
		full = append(full, "-threads", strconv.Itoa(threads))
	}
	if extraArgs != "" {
		extra, err := shellquote.Split(extraArgs)
		if err != nil {
			return queue.FFmpegCommand{}, errors.Wrap(err, "failed to parse extra encoder arguments")
		}
		full = append(full, extra...)
	}

	return queue.FFmpegCommand{
		Args:       full,
		InputPath:  inputPath,
		OutputPath: outputPath,
	}, nil
}
