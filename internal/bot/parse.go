package bot

import (
	"fmt"
	"strconv"
	"strings"

	"channel_relay/internal/model"
)

// ParsePostRef extracts a channel handle and message ID from command arguments.
// Accepted forms: "@channel 123", "channel 123" and "https://t.me/channel/123".
func ParsePostRef(args string) (string, int, error) {
	parts := strings.Fields(args)
	switch len(parts) {
	case 1:
		link := parts[0]
		for _, prefix := range []string{"https://", "http://"} {
			link = strings.TrimPrefix(link, prefix)
		}
		if !strings.HasPrefix(link, "t.me/") {
			return "", 0, fmt.Errorf("usage: /post <@channel> <id>")
		}
		segs := strings.Split(strings.TrimPrefix(link, "t.me/"), "/")
		if len(segs) != 2 {
			return "", 0, fmt.Errorf("invalid post link %q", parts[0])
		}
		parts = segs
	case 2:
	default:
		return "", 0, fmt.Errorf("usage: /post <@channel> <id>")
	}

	name := strings.TrimPrefix(parts[0], "@")
	if name == "" {
		return "", 0, fmt.Errorf("channel is required")
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid message ID %q", parts[1])
	}
	return "@" + name, id, nil
}

// ParseTypeArg parses a channel type given by name or number.
func ParseTypeArg(args string) (model.ChannelType, error) {
	t, ok := model.ParseChannelType(args)
	if !ok {
		names := make([]string, len(model.ChannelTypes))
		for i, ct := range model.ChannelTypes {
			names[i] = ct.String()
		}
		return 0, fmt.Errorf("unknown channel type %q, use: %s", args, strings.Join(names, ", "))
	}
	return t, nil
}
