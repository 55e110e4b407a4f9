package consuming

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
)

func sqsMessage(id string, body string, groupID string) types.Message {
	msg := types.Message{MessageId: aws.String(id), Body: aws.String(body)}
	if groupID != "" {
		msg.Attributes = map[string]string{
			string(types.MessageSystemAttributeNameMessageGroupId): groupID,
		}
	}
	return msg
}

func TestExtractMessageData(t *testing.T) {
	c := &AwsSqsConsumer{}
	data, err := c.extractMessageData(sqsMessage("1", `{"name":"e"}`, ""))
	require.NoError(t, err)
	require.Equal(t, `{"name":"e"}`, string(data))

	_, err = c.extractMessageData(types.Message{})
	require.Error(t, err)
}

func TestExtractMessageDataSNSEnvelope(t *testing.T) {
	c := &AwsSqsConsumer{config: AwsSqsConsumerConfig{SNSEnvelope: true}}
	data, err := c.extractMessageData(sqsMessage("1", `{"Type":"Notification","Message":"{\"name\":\"e\"}"}`, ""))
	require.NoError(t, err)
	require.Equal(t, `{"name":"e"}`, string(data))

	_, err = c.extractMessageData(sqsMessage("2", `{"Type":"Notification"}`, ""))
	require.Error(t, err)

	_, err = c.extractMessageData(sqsMessage("3", `plain text`, ""))
	require.Error(t, err)
}

func TestGroupMessages(t *testing.T) {
	groups := groupMessages([]types.Message{
		sqsMessage("1", "", "a"),
		sqsMessage("2", "", ""),
		sqsMessage("3", "", "b"),
		sqsMessage("4", "", "a"),
		sqsMessage("5", "", ""),
	})
	var ids [][]string
	for _, g := range groups {
		var groupIDs []string
		for _, m := range g {
			groupIDs = append(groupIDs, aws.ToString(m.MessageId))
		}
		ids = append(ids, groupIDs)
	}
	require.Equal(t, [][]string{{"1", "4"}, {"2"}, {"3"}, {"5"}}, ids)
}
