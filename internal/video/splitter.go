package video

import "bytes"

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// SplitJPEG is a bufio.SplitFunc that yields whole JPEG images from a stream
// of concatenated images, such as ffmpeg's image2pipe mjpeg output. Bytes
// before a start-of-image marker are discarded.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF that may begin the next marker.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}
