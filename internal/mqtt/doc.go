// Package mqtt mirrors MoodMender's activity onto an MQTT broker.
//
// Turn lifecycle events from the in-process bus are forwarded as
// non-retained JSON messages under <base>/events/<kind>, and a periodic
// loop publishes retained counters (tokens, turns, open connections)
// under <base>/<name>/state. The base topic is moodmender/<device_name>.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. A
// will message flips <base>/availability to "offline" on unexpected
// disconnects; "online" is published on every (re-)connect.
package mqtt
