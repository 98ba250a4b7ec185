package router

import "strings"

// TopicFilter selects ticks for one (channel, key) interest. Topics are dot-separated;
// matching works on whole segments so key "AB" never matches a tick for "ABC".
type TopicFilter struct {
	Channel string
	Key     string
}

// Match reports whether topic belongs to the filter.
//
// With a key, the topic must start with "<channel>." and end with ".<key>". Without a key,
// the topic must equal the channel or sit below it.
func (f TopicFilter) Match(topic string) bool {
	channel := strings.TrimSuffix(f.Channel, ".")
	if channel == "" || topic == "" {
		return false
	}
	if f.Key == "" {
		return topic == channel || strings.HasPrefix(topic, channel+".")
	}
	if len(topic) < len(channel)+len(f.Key)+1 {
		return false
	}
	return strings.HasPrefix(topic, channel+".") && strings.HasSuffix(topic, "."+f.Key)
}

// Topic renders the canonical topic for the filter.
func (f TopicFilter) Topic() string {
	if f.Key == "" {
		return f.Channel
	}
	return f.Channel + "." + f.Key
}
