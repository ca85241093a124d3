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

// Package publisher is the data-plane core of an OPC UA telemetry publisher.
// It turns published-item declarations into subscription groups, reconciles
// batched service results and shapes server notifications into records.
package publisher

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeIDType represents the type of a NodeID.
type NodeIDType uint8

// NodeID types.
const (
	NodeIDTypeNumeric NodeIDType = iota
	NodeIDTypeString
	NodeIDTypeGUID
	NodeIDTypeOpaque
)

// NodeID represents an OPC UA NodeID.
type NodeID struct {
	Type      NodeIDType
	Namespace uint16
	Numeric   uint32
	String    string
	GUID      [16]byte
	Opaque    []byte
}

// NewNumericNodeID creates a new numeric NodeID.
func NewNumericNodeID(namespace uint16, id uint32) NodeID {
	return NodeID{
		Type:      NodeIDTypeNumeric,
		Namespace: namespace,
		Numeric:   id,
	}
}

// NewStringNodeID creates a new string NodeID.
func NewStringNodeID(namespace uint16, id string) NodeID {
	return NodeID{
		Type:      NodeIDTypeString,
		Namespace: namespace,
		String:    id,
	}
}

// NewGUIDNodeID creates a new GUID NodeID.
func NewGUIDNodeID(namespace uint16, id uuid.UUID) NodeID {
	return NodeID{
		Type:      NodeIDTypeGUID,
		Namespace: namespace,
		GUID:      id,
	}
}

// IsNull reports whether the NodeID is the null node (ns=0;i=0).
func (n NodeID) IsNull() bool {
	switch n.Type {
	case NodeIDTypeNumeric:
		return n.Namespace == 0 && n.Numeric == 0
	case NodeIDTypeString:
		return n.Namespace == 0 && n.String == ""
	case NodeIDTypeGUID:
		return n.Namespace == 0 && n.GUID == [16]byte{}
	case NodeIDTypeOpaque:
		return n.Namespace == 0 && len(n.Opaque) == 0
	}
	return false
}

// Equal reports whether two NodeIDs identify the same node.
func (n NodeID) Equal(o NodeID) bool {
	if n.Type != o.Type || n.Namespace != o.Namespace {
		return false
	}
	switch n.Type {
	case NodeIDTypeNumeric:
		return n.Numeric == o.Numeric
	case NodeIDTypeString:
		return n.String == o.String
	case NodeIDTypeGUID:
		return n.GUID == o.GUID
	case NodeIDTypeOpaque:
		return bytes.Equal(n.Opaque, o.Opaque)
	}
	return false
}

// Text returns the standard text form of the NodeID, e.g. "ns=2;s=Temp1" or "i=85".
func (n NodeID) Text() string {
	var b strings.Builder
	if n.Namespace != 0 {
		b.WriteString("ns=")
		b.WriteString(strconv.FormatUint(uint64(n.Namespace), 10))
		b.WriteByte(';')
	}
	switch n.Type {
	case NodeIDTypeNumeric:
		b.WriteString("i=")
		b.WriteString(strconv.FormatUint(uint64(n.Numeric), 10))
	case NodeIDTypeString:
		b.WriteString("s=")
		b.WriteString(n.String)
	case NodeIDTypeGUID:
		b.WriteString("g=")
		b.WriteString(uuid.UUID(n.GUID).String())
	case NodeIDTypeOpaque:
		b.WriteString("b=")
		b.WriteString(base64.StdEncoding.EncodeToString(n.Opaque))
	}
	return b.String()
}

// ParseNodeID parses the standard text form of a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	if s == "" {
		return NodeID{}, fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}

	var ns uint16
	rest := s
	if strings.HasPrefix(rest, "ns=") {
		sep := strings.IndexByte(rest, ';')
		if sep < 0 {
			return NodeID{}, fmt.Errorf("%w: %q missing identifier", ErrInvalidNodeID, s)
		}
		v, err := strconv.ParseUint(rest[3:sep], 10, 16)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: %q bad namespace: %v", ErrInvalidNodeID, s, err)
		}
		ns = uint16(v)
		rest = rest[sep+1:]
	}

	if len(rest) < 2 || rest[1] != '=' {
		return NodeID{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	id := rest[2:]

	switch rest[0] {
	case 'i':
		v, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: %q bad numeric identifier: %v", ErrInvalidNodeID, s, err)
		}
		return NewNumericNodeID(ns, uint32(v)), nil
	case 's':
		if id == "" {
			return NodeID{}, fmt.Errorf("%w: %q empty string identifier", ErrInvalidNodeID, s)
		}
		return NewStringNodeID(ns, id), nil
	case 'g':
		g, err := uuid.Parse(id)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: %q bad guid: %v", ErrInvalidNodeID, s, err)
		}
		return NewGUIDNodeID(ns, g), nil
	case 'b':
		raw, err := base64.StdEncoding.DecodeString(id)
		if err != nil {
			return NodeID{}, fmt.Errorf("%w: %q bad opaque identifier: %v", ErrInvalidNodeID, s, err)
		}
		return NodeID{Type: NodeIDTypeOpaque, Namespace: ns, Opaque: raw}, nil
	default:
		return NodeID{}, fmt.Errorf("%w: %q unknown identifier type %q", ErrInvalidNodeID, s, rest[0])
	}
}

// MustParseNodeID is like ParseNodeID but panics on error.
func MustParseNodeID(s string) NodeID {
	n, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return n
}

// ServiceID represents an OPC UA service identifier.
type ServiceID uint32

// OPC UA Service IDs used by the publisher.
const (
	ServiceGetEndpoints                  ServiceID = 428
	ServiceCreateSession                 ServiceID = 461
	ServiceActivateSession               ServiceID = 467
	ServiceBrowse                        ServiceID = 527
	ServiceBrowseNext                    ServiceID = 533
	ServiceTranslateBrowsePathsToNodeIds ServiceID = 554
	ServiceRegisterNodes                 ServiceID = 560
	ServiceUnregisterNodes               ServiceID = 566
	ServiceRead                          ServiceID = 631
	ServiceWrite                         ServiceID = 673
	ServiceCall                          ServiceID = 712
	ServiceCreateMonitoredItems          ServiceID = 751
	ServiceModifyMonitoredItems          ServiceID = 763
	ServiceDeleteMonitoredItems          ServiceID = 781
	ServiceCreateSubscription            ServiceID = 787
	ServiceModifySubscription            ServiceID = 793
	ServicePublish                       ServiceID = 826
	ServiceDeleteSubscriptions           ServiceID = 847
)

// String returns the string representation of a ServiceID.
func (s ServiceID) String() string {
	switch s {
	case ServiceGetEndpoints:
		return "GetEndpoints"
	case ServiceCreateSession:
		return "CreateSession"
	case ServiceActivateSession:
		return "ActivateSession"
	case ServiceBrowse:
		return "Browse"
	case ServiceBrowseNext:
		return "BrowseNext"
	case ServiceTranslateBrowsePathsToNodeIds:
		return "TranslateBrowsePathsToNodeIds"
	case ServiceRegisterNodes:
		return "RegisterNodes"
	case ServiceUnregisterNodes:
		return "UnregisterNodes"
	case ServiceRead:
		return "Read"
	case ServiceWrite:
		return "Write"
	case ServiceCall:
		return "Call"
	case ServiceCreateMonitoredItems:
		return "CreateMonitoredItems"
	case ServiceModifyMonitoredItems:
		return "ModifyMonitoredItems"
	case ServiceDeleteMonitoredItems:
		return "DeleteMonitoredItems"
	case ServiceCreateSubscription:
		return "CreateSubscription"
	case ServiceModifySubscription:
		return "ModifySubscription"
	case ServicePublish:
		return "Publish"
	case ServiceDeleteSubscriptions:
		return "DeleteSubscriptions"
	default:
		return "Unknown"
	}
}

// AttributeID represents an OPC UA attribute identifier.
type AttributeID uint32

// OPC UA Attribute IDs.
const (
	AttributeNodeID                  AttributeID = 1
	AttributeNodeClass               AttributeID = 2
	AttributeBrowseName              AttributeID = 3
	AttributeDisplayName             AttributeID = 4
	AttributeDescription             AttributeID = 5
	AttributeWriteMask               AttributeID = 6
	AttributeUserWriteMask           AttributeID = 7
	AttributeIsAbstract              AttributeID = 8
	AttributeSymmetric               AttributeID = 9
	AttributeInverseName             AttributeID = 10
	AttributeContainsNoLoops         AttributeID = 11
	AttributeEventNotifier           AttributeID = 12
	AttributeValue                   AttributeID = 13
	AttributeDataType                AttributeID = 14
	AttributeValueRank               AttributeID = 15
	AttributeArrayDimensions         AttributeID = 16
	AttributeAccessLevel             AttributeID = 17
	AttributeUserAccessLevel         AttributeID = 18
	AttributeMinimumSamplingInterval AttributeID = 19
	AttributeHistorizing             AttributeID = 20
	AttributeExecutable              AttributeID = 21
	AttributeUserExecutable          AttributeID = 22
	AttributeDataTypeDefinition      AttributeID = 23
	AttributeRolePermissions         AttributeID = 24
	AttributeUserRolePermissions     AttributeID = 25
	AttributeAccessRestrictions      AttributeID = 26
	AttributeAccessLevelEx           AttributeID = 27
)

// String returns the string representation of an AttributeID.
func (a AttributeID) String() string {
	switch a {
	case AttributeNodeID:
		return "NodeId"
	case AttributeNodeClass:
		return "NodeClass"
	case AttributeBrowseName:
		return "BrowseName"
	case AttributeDisplayName:
		return "DisplayName"
	case AttributeDescription:
		return "Description"
	case AttributeWriteMask:
		return "WriteMask"
	case AttributeUserWriteMask:
		return "UserWriteMask"
	case AttributeIsAbstract:
		return "IsAbstract"
	case AttributeSymmetric:
		return "Symmetric"
	case AttributeInverseName:
		return "InverseName"
	case AttributeContainsNoLoops:
		return "ContainsNoLoops"
	case AttributeEventNotifier:
		return "EventNotifier"
	case AttributeValue:
		return "Value"
	case AttributeDataType:
		return "DataType"
	case AttributeValueRank:
		return "ValueRank"
	case AttributeArrayDimensions:
		return "ArrayDimensions"
	case AttributeAccessLevel:
		return "AccessLevel"
	case AttributeUserAccessLevel:
		return "UserAccessLevel"
	case AttributeMinimumSamplingInterval:
		return "MinimumSamplingInterval"
	case AttributeHistorizing:
		return "Historizing"
	case AttributeExecutable:
		return "Executable"
	case AttributeUserExecutable:
		return "UserExecutable"
	case AttributeDataTypeDefinition:
		return "DataTypeDefinition"
	case AttributeRolePermissions:
		return "RolePermissions"
	case AttributeUserRolePermissions:
		return "UserRolePermissions"
	case AttributeAccessRestrictions:
		return "AccessRestrictions"
	case AttributeAccessLevelEx:
		return "AccessLevelEx"
	default:
		return "Unknown"
	}
}

// NodeClass represents the class of an OPC UA node.
type NodeClass uint32

// OPC UA Node Classes.
const (
	NodeClassUnspecified   NodeClass = 0
	NodeClassObject        NodeClass = 1
	NodeClassVariable      NodeClass = 2
	NodeClassMethod        NodeClass = 4
	NodeClassObjectType    NodeClass = 8
	NodeClassVariableType  NodeClass = 16
	NodeClassReferenceType NodeClass = 32
	NodeClassDataType      NodeClass = 64
	NodeClassView          NodeClass = 128
)

// String returns the string representation of a NodeClass.
func (n NodeClass) String() string {
	switch n {
	case NodeClassUnspecified:
		return "Unspecified"
	case NodeClassObject:
		return "Object"
	case NodeClassVariable:
		return "Variable"
	case NodeClassMethod:
		return "Method"
	case NodeClassObjectType:
		return "ObjectType"
	case NodeClassVariableType:
		return "VariableType"
	case NodeClassReferenceType:
		return "ReferenceType"
	case NodeClassDataType:
		return "DataType"
	case NodeClassView:
		return "View"
	default:
		return "Unknown"
	}
}

// TimestampsToReturn specifies which timestamps to return.
type TimestampsToReturn uint32

// Timestamps to return options.
const (
	TimestampsToReturnSource  TimestampsToReturn = 0
	TimestampsToReturnServer  TimestampsToReturn = 1
	TimestampsToReturnBoth    TimestampsToReturn = 2
	TimestampsToReturnNeither TimestampsToReturn = 3
)

// MessageSecurityMode represents the security mode for messages.
type MessageSecurityMode uint32

// Message security modes.
const (
	MessageSecurityModeInvalid        MessageSecurityMode = 0
	MessageSecurityModeNone           MessageSecurityMode = 1
	MessageSecurityModeSign           MessageSecurityMode = 2
	MessageSecurityModeSignAndEncrypt MessageSecurityMode = 3
)

// String returns the string representation of a MessageSecurityMode.
func (m MessageSecurityMode) String() string {
	switch m {
	case MessageSecurityModeNone:
		return "None"
	case MessageSecurityModeSign:
		return "Sign"
	case MessageSecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return "Invalid"
	}
}

// SecurityPolicy represents an OPC UA security policy.
type SecurityPolicy string

// Security policies.
const (
	SecurityPolicyNone           SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#None"
	SecurityPolicyBasic128Rsa15  SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic128Rsa15"
	SecurityPolicyBasic256       SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic256"
	SecurityPolicyBasic256Sha256 SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
	SecurityPolicyAes128Sha256   SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Aes128_Sha256_RsaOaep"
	SecurityPolicyAes256Sha256   SecurityPolicy = "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss"
)

// UserTokenType represents the type of user identity token.
type UserTokenType uint32

// User token types.
const (
	UserTokenTypeAnonymous   UserTokenType = 0
	UserTokenTypeUserName    UserTokenType = 1
	UserTokenTypeCertificate UserTokenType = 2
	UserTokenTypeIssuedToken UserTokenType = 3
)

// String returns the string representation of a UserTokenType.
func (u UserTokenType) String() string {
	switch u {
	case UserTokenTypeAnonymous:
		return "Anonymous"
	case UserTokenTypeUserName:
		return "UserName"
	case UserTokenTypeCertificate:
		return "Certificate"
	case UserTokenTypeIssuedToken:
		return "IssuedToken"
	default:
		return "Unknown"
	}
}

// DataValue represents an OPC UA DataValue.
type DataValue struct {
	Value             *Variant
	StatusCode        StatusCode
	SourceTimestamp   time.Time
	ServerTimestamp   time.Time
	SourcePicoseconds uint16
	ServerPicoseconds uint16
}

// Variant represents an OPC UA Variant.
type Variant struct {
	Type  TypeID
	Value interface{}
}

// NewVariant wraps a Go value in a Variant, inferring the built-in type.
func NewVariant(v interface{}) *Variant {
	return &Variant{Type: typeOf(v), Value: v}
}

func typeOf(v interface{}) TypeID {
	switch v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case int8:
		return TypeSByte
	case uint8:
		return TypeByte
	case int16:
		return TypeInt16
	case uint16:
		return TypeUInt16
	case int32:
		return TypeInt32
	case uint32:
		return TypeUInt32
	case int64, int:
		return TypeInt64
	case uint64, uint:
		return TypeUInt64
	case float32:
		return TypeFloat
	case float64:
		return TypeDouble
	case string:
		return TypeString
	case time.Time:
		return TypeDateTime
	case [16]byte, uuid.UUID:
		return TypeGUID
	case []byte:
		return TypeByteString
	case NodeID:
		return TypeNodeID
	case StatusCode:
		return TypeStatusCode
	case QualifiedName:
		return TypeQualifiedName
	case LocalizedText:
		return TypeLocalizedText
	case DataValue:
		return TypeDataValue
	case DiagnosticInfo:
		return TypeDiagnosticInfo
	default:
		return TypeVariant
	}
}

// TypeID represents an OPC UA built-in type.
type TypeID uint8

// OPC UA Built-in Types.
const (
	TypeNull            TypeID = 0
	TypeBoolean         TypeID = 1
	TypeSByte           TypeID = 2
	TypeByte            TypeID = 3
	TypeInt16           TypeID = 4
	TypeUInt16          TypeID = 5
	TypeInt32           TypeID = 6
	TypeUInt32          TypeID = 7
	TypeInt64           TypeID = 8
	TypeUInt64          TypeID = 9
	TypeFloat           TypeID = 10
	TypeDouble          TypeID = 11
	TypeString          TypeID = 12
	TypeDateTime        TypeID = 13
	TypeGUID            TypeID = 14
	TypeByteString      TypeID = 15
	TypeXMLElement      TypeID = 16
	TypeNodeID          TypeID = 17
	TypeExpandedNodeID  TypeID = 18
	TypeStatusCode      TypeID = 19
	TypeQualifiedName   TypeID = 20
	TypeLocalizedText   TypeID = 21
	TypeExtensionObject TypeID = 22
	TypeDataValue       TypeID = 23
	TypeVariant         TypeID = 24
	TypeDiagnosticInfo  TypeID = 25
)

// QualifiedName represents an OPC UA QualifiedName.
type QualifiedName struct {
	NamespaceIndex uint16
	Name           string
}

// String returns "ns:name", or just the name in namespace 0.
func (q QualifiedName) String() string {
	if q.NamespaceIndex == 0 {
		return q.Name
	}
	return strconv.FormatUint(uint64(q.NamespaceIndex), 10) + ":" + q.Name
}

// LocalizedText represents an OPC UA LocalizedText.
type LocalizedText struct {
	Locale string
	Text   string
}

// DiagnosticMask marks the string table indexes present in a DiagnosticInfo.
// Index 0 is a valid string table entry, so presence is tracked separately.
type DiagnosticMask uint8

// Diagnostic index bits, matching the binary encoding mask.
const (
	DiagnosticSymbolicID    DiagnosticMask = 0x1
	DiagnosticNamespaceURI  DiagnosticMask = 0x2
	DiagnosticLocalizedText DiagnosticMask = 0x4
	DiagnosticLocale        DiagnosticMask = 0x8
)

// DiagnosticInfo contains diagnostic information.
type DiagnosticInfo struct {
	Present             DiagnosticMask
	SymbolicID          int32
	NamespaceURI        int32
	Locale              int32
	LocalizedText       int32
	AdditionalInfo      string
	InnerStatusCode     StatusCode
	InnerDiagnosticInfo *DiagnosticInfo
}

// Has reports whether every index in m is present.
func (d DiagnosticInfo) Has(m DiagnosticMask) bool {
	return d.Present&m == m
}

// IsEmpty reports whether the DiagnosticInfo carries no information.
func (d DiagnosticInfo) IsEmpty() bool {
	return d.Present == 0 && d.AdditionalInfo == "" && d.InnerStatusCode == StatusGood && d.InnerDiagnosticInfo == nil
}

// ReadValueID represents a node attribute to read.
type ReadValueID struct {
	NodeID       NodeID
	AttributeID  AttributeID
	IndexRange   string
	DataEncoding QualifiedName
}

// RelativePath is a sequence of browse names.
type RelativePath struct {
	Elements []RelativePathElement
}

// RelativePathElement is a single element of a relative path.
type RelativePathElement struct {
	ReferenceTypeID NodeID
	IsInverse       bool
	IncludeSubtypes bool
	TargetName      QualifiedName
}

// ParseRelativePath parses a slash separated browse path such as "Objects/2:Boiler/2:Temp".
// A '/' or '&' inside a browse name is escaped with '&'.
func ParseRelativePath(s string) (RelativePath, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return RelativePath{}, fmt.Errorf("%w: empty browse path", ErrInvalidBrowsePath)
	}
	parts, err := splitPath(s)
	if err != nil {
		return RelativePath{}, err
	}
	return NewRelativePath(parts...)
}

// NewRelativePath builds a browse path from unescaped segments. Each element
// follows hierarchical references forward including subtypes.
func NewRelativePath(segments ...string) (RelativePath, error) {
	if len(segments) == 0 {
		return RelativePath{}, fmt.Errorf("%w: empty browse path", ErrInvalidBrowsePath)
	}
	rp := RelativePath{Elements: make([]RelativePathElement, 0, len(segments))}
	for i, p := range segments {
		if p == "" {
			return RelativePath{}, fmt.Errorf("%w: segment %d is empty", ErrInvalidBrowsePath, i)
		}
		qn := QualifiedName{Name: p}
		if i := strings.IndexByte(p, ':'); i > 0 {
			if ns, err := strconv.ParseUint(p[:i], 10, 16); err == nil {
				qn = QualifiedName{NamespaceIndex: uint16(ns), Name: p[i+1:]}
			}
		}
		rp.Elements = append(rp.Elements, RelativePathElement{
			ReferenceTypeID: NewNumericNodeID(0, hierarchicalReferences),
			IncludeSubtypes: true,
			TargetName:      qn,
		})
	}
	return rp, nil
}

// String renders the path in the form accepted by ParseRelativePath.
func (r RelativePath) String() string {
	parts := make([]string, len(r.Elements))
	for i, e := range r.Elements {
		parts[i] = escapeSegment(e.TargetName.String())
	}
	return strings.Join(parts, "/")
}

// hierarchicalReferences is the HierarchicalReferences reference type (i=33).
const hierarchicalReferences = 33

// MonitoringMode represents the monitoring mode for a monitored item.
type MonitoringMode uint32

// Monitoring modes.
const (
	MonitoringModeDisabled  MonitoringMode = 0
	MonitoringModeSampling  MonitoringMode = 1
	MonitoringModeReporting MonitoringMode = 2
)

// String returns the string representation of a MonitoringMode.
func (m MonitoringMode) String() string {
	switch m {
	case MonitoringModeDisabled:
		return "Disabled"
	case MonitoringModeSampling:
		return "Sampling"
	case MonitoringModeReporting:
		return "Reporting"
	default:
		return "Unknown"
	}
}

// MonitoredItemCreateRequest describes a monitored item to create.
type MonitoredItemCreateRequest struct {
	ItemToMonitor       ReadValueID
	MonitoringMode      MonitoringMode
	RequestedParameters MonitoringParameters
}

// MonitoringParameters contains monitoring parameters.
type MonitoringParameters struct {
	ClientHandle     uint32
	SamplingInterval float64
	Filter           interface{}
	QueueSize        uint32
	DiscardOldest    bool
}

// MonitoredItemCreateResult contains the result of creating a monitored item.
type MonitoredItemCreateResult struct {
	StatusCode              StatusCode
	MonitoredItemID         uint32
	RevisedSamplingInterval float64
	RevisedQueueSize        uint32
	FilterResult            interface{}
}

// CreateSubscriptionResult contains the revised parameters of a created subscription.
type CreateSubscriptionResult struct {
	SubscriptionID            uint32
	RevisedPublishingInterval float64
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
}
