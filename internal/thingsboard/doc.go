// Package thingsboard speaks the ThingsBoard device MQTT API.
//
// A [Client] owns at most one broker connection at a time. It publishes
// telemetry and client attributes, requests and subscribes to shared
// attributes, and carries the firmware sub-protocol (announce, info
// request, chunk request, state reporting).
//
// Inbound traffic arrives on the MQTT library's goroutines. It is never
// handled there: messages are size-checked, rate-limited and queued, and
// [Client.PumpOnce] turns the queue and any expired request timers into
// [Event] values on the caller's goroutine. Callers that serialize access
// to the Client therefore see every callback under their own lock.
//
// Two MQTT backends are available: Eclipse Paho for MQTT v3.1.1 (the
// protocol most ThingsBoard deployments expect) and Eclipse Paho v2 for
// MQTT v5. Both are selected through a [Dialer].
package thingsboard
