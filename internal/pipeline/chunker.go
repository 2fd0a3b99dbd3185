package pipeline

import "strings"

// Window 是一页文本中的一个定长窗口，偏移和长度均以 rune 计。
type Window struct {
	Offset int
	Length int
	Text   string
}

// SplitWindows 把一页文本切成带重叠的定长窗口。
// 游标每次前进 chunkSize 再回退 overlap 作为下一窗口的起点；
// 当 overlap >= chunkSize 导致游标无法前进时，改为整窗前进，保证算法必然终止。
// 纯空白窗口会被丢弃，但不影响后续窗口的偏移。
func SplitWindows(text string, chunkSize, overlap int) []Window {
	if chunkSize <= 0 {
		return nil
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var windows []Window
	i := 0
	for i < len(runes) {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		segment := string(runes[i:end])
		if strings.TrimSpace(segment) != "" {
			windows = append(windows, Window{Offset: i, Length: end - i, Text: segment})
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= i {
			// overlap >= chunkSize，强制整窗前进
			next = end
		}
		i = next
	}
	return windows
}
