/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"errors"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"

	"github.com/lordkingpriest/problemsolver/config"
)

func TestSlackNotification(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	webhookURL := "https://hooks.slack.com/services/T000/B000/XXX"
	config.MockConfig(&config.Configuration{
		Notification: config.Notification{
			Slack: config.SlackWebhook{WebhookUrl: webhookURL},
		},
	})

	httpmock.RegisterResponder("POST", webhookURL,
		httpmock.NewStringResponder(200, `{"ok": true}`))

	SlackNotification(errors.New("deposit poller halted"))

	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 1, info["POST "+webhookURL])
}

func TestSlackNotification_NoWebhookConfigured(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	config.MockConfig(&config.Configuration{})

	// Must not panic when no URL is configured.
	SlackNotification(errors.New("boom"))

	info := httpmock.GetCallCountInfo()
	assert.Empty(t, info)
}
