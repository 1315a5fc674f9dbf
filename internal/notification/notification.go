/*
Copyright 2024 Blnk Finance Authors.

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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/blnkfinance/contentsync/config"
	"github.com/blnkfinance/contentsync/internal/request"
	"github.com/sirupsen/logrus"
)

// SlackNotification posts err to the configured Slack webhook.
func SlackNotification(err error) error {
	conf, cfgErr := config.Fetch()
	if cfgErr != nil {
		return cfgErr
	}

	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": "Error From %s 🐞",
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Error:*\n%s"
					}
				]
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%v"
					}
				]
			}
		]
	}`, jsonEscape(projectName(conf)), jsonEscape(err.Error()), time.Now().Format(time.RFC822)))

	payload, reqErr := request.ToJsonReq(&data)
	if reqErr != nil {
		return reqErr
	}

	req, reqErr := http.NewRequest(http.MethodPost, conf.Notification.Slack.WebhookUrl, payload)
	if reqErr != nil {
		return reqErr
	}

	_, reqErr = request.Call(req, nil)
	return reqErr
}

// NotifyError logs systemError and forwards it to Slack when a webhook is
// configured. Delivery happens in the background.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			return
		}
		if conf.Notification.Slack.WebhookUrl == "" {
			return
		}
		if err := SlackNotification(systemError); err != nil {
			logrus.WithError(err).Warn("slack notification failed")
		}
	}(systemError)
}

func projectName(conf *config.Configuration) string {
	if conf.ProjectName != "" {
		return conf.ProjectName
	}
	return "contentsync"
}

// jsonEscape returns s escaped for embedding inside a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
