// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strings"

	publisher "github.com/edgeo-scada/publisher"
)

// ParseSecurityPolicy parses a security policy name.
func ParseSecurityPolicy(s string) (publisher.SecurityPolicy, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return publisher.SecurityPolicyNone, nil
	case "basic128rsa15":
		return publisher.SecurityPolicyBasic128Rsa15, nil
	case "basic256":
		return publisher.SecurityPolicyBasic256, nil
	case "basic256sha256":
		return publisher.SecurityPolicyBasic256Sha256, nil
	case "aes128sha256rsaoaep", "aes128sha256":
		return publisher.SecurityPolicyAes128Sha256, nil
	case "aes256sha256rsapss", "aes256sha256":
		return publisher.SecurityPolicyAes256Sha256, nil
	default:
		return "", fmt.Errorf("unknown security policy: %s", s)
	}
}

// ParseSecurityMode parses a message security mode.
func ParseSecurityMode(s string) (publisher.MessageSecurityMode, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return publisher.MessageSecurityModeNone, nil
	case "sign":
		return publisher.MessageSecurityModeSign, nil
	case "signandencrypt", "sign_and_encrypt":
		return publisher.MessageSecurityModeSignAndEncrypt, nil
	default:
		return 0, fmt.Errorf("unknown security mode: %s", s)
	}
}

// ParseAuthType parses a user token type. An empty type means anonymous.
func ParseAuthType(s string) (publisher.UserTokenType, error) {
	switch strings.ToLower(s) {
	case "anonymous", "":
		return publisher.UserTokenTypeAnonymous, nil
	case "username", "user_name":
		return publisher.UserTokenTypeUserName, nil
	case "certificate":
		return publisher.UserTokenTypeCertificate, nil
	default:
		return 0, fmt.Errorf("unknown auth type: %s", s)
	}
}

// ParseDiagnostics parses a diagnostics level.
func ParseDiagnostics(s string) (publisher.DiagnosticsLevel, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return publisher.DiagnosticsNone, nil
	case "status":
		return publisher.DiagnosticsStatus, nil
	case "operation":
		return publisher.DiagnosticsOperation, nil
	case "verbose":
		return publisher.DiagnosticsVerbose, nil
	default:
		return 0, fmt.Errorf("unknown diagnostics level: %s", s)
	}
}

// ParseTimestamps parses which timestamps to request from servers.
func ParseTimestamps(s string) (publisher.TimestampsToReturn, error) {
	switch strings.ToLower(s) {
	case "source":
		return publisher.TimestampsToReturnSource, nil
	case "server":
		return publisher.TimestampsToReturnServer, nil
	case "both", "":
		return publisher.TimestampsToReturnBoth, nil
	case "neither":
		return publisher.TimestampsToReturnNeither, nil
	default:
		return 0, fmt.Errorf("unknown timestamps setting: %s", s)
	}
}

// ParseMode parses a monitoring mode.
func ParseMode(s string) (publisher.ItemMode, error) {
	switch strings.ToLower(s) {
	case "reporting", "":
		return publisher.ItemModeReporting, nil
	case "sampling":
		return publisher.ItemModeSampling, nil
	case "disabled":
		return publisher.ItemModeDisabled, nil
	default:
		return 0, fmt.Errorf("unknown monitoring mode: %s", s)
	}
}

// ParseAttribute parses an attribute by name, e.g. "Value" or "displayname".
// An empty name leaves the attribute to the item default.
func ParseAttribute(s string) (publisher.AttributeID, error) {
	if s == "" {
		return 0, nil
	}
	for id := publisher.AttributeNodeID; id <= publisher.AttributeAccessLevelEx; id++ {
		if strings.EqualFold(id.String(), s) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown attribute: %s", s)
}

// ParseTrigger parses a data change trigger.
func ParseTrigger(s string) (publisher.DataChangeTrigger, error) {
	switch strings.ToLower(s) {
	case "status":
		return publisher.TriggerStatus, nil
	case "status_value", "statusvalue", "":
		return publisher.TriggerStatusValue, nil
	case "status_value_timestamp", "statusvaluetimestamp":
		return publisher.TriggerStatusValueTimestamp, nil
	default:
		return 0, fmt.Errorf("unknown data change trigger: %s", s)
	}
}

// ParseDeadbandType parses a dead-band type.
func ParseDeadbandType(s string) (publisher.DeadbandType, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return publisher.DeadbandNone, nil
	case "absolute":
		return publisher.DeadbandAbsolute, nil
	case "percent":
		return publisher.DeadbandPercent, nil
	default:
		return 0, fmt.Errorf("unknown dead-band type: %s", s)
	}
}

// ParseHeartbeatBehavior combines heartbeat behavior flags. No flags means watchdog.
func ParseHeartbeatBehavior(flags []string) (publisher.HeartbeatBehavior, error) {
	var b publisher.HeartbeatBehavior
	for _, f := range flags {
		switch strings.ToLower(f) {
		case "watchdog":
		case "periodic":
			b |= publisher.HeartbeatPeriodic
		case "last_known_good", "lkg":
			b |= publisher.HeartbeatLastKnownGood
		case "update_timestamps":
			b |= publisher.HeartbeatUpdateTimestamps
		default:
			return 0, fmt.Errorf("unknown heartbeat behavior: %s", f)
		}
	}
	return b, nil
}
