// Package ffmpeg merges recorded chunk files into a single recording.
//
// Key types:
//   - Concat: runs the ffmpeg concat demuxer with stream copy
//   - Join: appends chunk bytes in order, for chunked streams that are
//     already one continuous container (MediaRecorder output)
//
// Both implement the Mux(ctx, inputs, output) contract used at session
// finalize. Neither deletes its inputs.
package ffmpeg
