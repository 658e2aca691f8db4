package thingsboard

import (
	"strconv"
	"strings"
)

// Device API topics.
const (
	TopicTelemetry          = "v1/devices/me/telemetry"
	TopicAttributes         = "v1/devices/me/attributes"
	TopicAttributeRequest   = "v1/devices/me/attributes/request/"
	TopicAttributeResponse  = "v1/devices/me/attributes/response/"
	TopicAttributeResponses = TopicAttributeResponse + "+"

	topicChunkRequest   = "v2/fw/request/"
	topicChunkResponse  = "v2/fw/response/"
	TopicChunkResponses = topicChunkResponse + "+/chunk/+"
)

func attributeRequestTopic(id int) string {
	return TopicAttributeRequest + strconv.Itoa(id)
}

func chunkRequestTopic(requestID, index int) string {
	return topicChunkRequest + strconv.Itoa(requestID) + "/chunk/" + strconv.Itoa(index)
}

// parseAttributeResponseTopic extracts the request id from
// v1/devices/me/attributes/response/{id}.
func parseAttributeResponseTopic(topic string) (int, bool) {
	rest, ok := strings.CutPrefix(topic, TopicAttributeResponse)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}

// parseChunkResponseTopic extracts the request id and chunk index from
// v2/fw/response/{id}/chunk/{index}.
func parseChunkResponseTopic(topic string) (requestID, index int, ok bool) {
	rest, found := strings.CutPrefix(topic, topicChunkResponse)
	if !found {
		return 0, 0, false
	}
	idPart, indexPart, found := strings.Cut(rest, "/chunk/")
	if !found {
		return 0, 0, false
	}
	requestID, err := strconv.Atoi(idPart)
	if err != nil {
		return 0, 0, false
	}
	index, err = strconv.Atoi(indexPart)
	if err != nil || index < 0 {
		return 0, 0, false
	}
	return requestID, index, true
}

// isChunkTopic reports whether topic carries firmware data, which is
// exempt from the receive size limit.
func isChunkTopic(topic string) bool {
	return strings.HasPrefix(topic, topicChunkResponse)
}
