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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	publisher "github.com/edgeo-scada/publisher"
)

// DefaultSubscriptionName names a subscription declared without a name.
const DefaultSubscriptionName = "default"

// Connection is one server endpoint and the subscriptions published from it.
type Connection struct {
	Endpoint        string         `yaml:"endpoint"`
	AlternativeURLs []string       `yaml:"alternative_urls,omitempty"`
	SecurityMode    string         `yaml:"security_mode,omitempty"`
	SecurityPolicy  string         `yaml:"security_policy,omitempty"`
	Auth            Auth           `yaml:"auth,omitempty"`
	Diagnostics     string         `yaml:"diagnostics,omitempty"`
	Subscriptions   []Subscription `yaml:"subscriptions"`
}

// Auth selects the user identity and the application certificate.
type Auth struct {
	Type        string `yaml:"type,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	Certificate string `yaml:"certificate,omitempty"`
	PrivateKey  string `yaml:"private_key,omitempty"`
}

// Subscription is a named group of items sharing publishing settings.
type Subscription struct {
	Name                       string           `yaml:"name"`
	PublishingInterval         time.Duration    `yaml:"publishing_interval,omitempty"`
	KeepAliveCount             uint32           `yaml:"keep_alive_count,omitempty"`
	LifetimeCount              uint32           `yaml:"lifetime_count,omitempty"`
	Priority                   uint8            `yaml:"priority,omitempty"`
	MaxNotificationsPerPublish uint32           `yaml:"max_notifications_per_publish,omitempty"`
	ResolveDisplayName         bool             `yaml:"resolve_display_name,omitempty"`
	PublishImmediately         bool             `yaml:"publish_immediately,omitempty"`
	SequentialPublishing       bool             `yaml:"sequential_publishing,omitempty"`
	MetaData                   *MetaData        `yaml:"metadata,omitempty"`
	AsyncMetaDataLoadThreshold int              `yaml:"async_metadata_load_threshold,omitempty"`
	Nodes                      []Node           `yaml:"nodes,omitempty"`
	Events                     []Event          `yaml:"events,omitempty"`
	ExtensionFields            []ExtensionField `yaml:"extension_fields,omitempty"`
	WatchAddressSpace          *Watch           `yaml:"watch_address_space,omitempty"`
}

// MetaData describes the published data set.
type MetaData struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description,omitempty"`
	ClassID      string `yaml:"class_id,omitempty"`
	MajorVersion uint32 `yaml:"major_version,omitempty"`
	MinorVersion uint32 `yaml:"minor_version,omitempty"`
}

// Base holds the settings shared by data and event items.
type Base struct {
	ID               string        `yaml:"id,omitempty"`
	DisplayName      string        `yaml:"display_name,omitempty"`
	NodeID           string        `yaml:"node_id,omitempty"`
	BrowsePath       []string      `yaml:"browse_path,omitempty"`
	IndexRange       string        `yaml:"index_range,omitempty"`
	SamplingInterval time.Duration `yaml:"sampling_interval,omitempty"`
	QueueSize        uint32        `yaml:"queue_size,omitempty"`
	DiscardNew       bool          `yaml:"discard_new,omitempty"`
	Mode             string        `yaml:"mode,omitempty"`
	Order            int           `yaml:"order,omitempty"`
}

// Node publishes an attribute of a variable.
type Node struct {
	Base `yaml:",inline"`

	Attribute    string        `yaml:"attribute,omitempty"`
	FieldID      string        `yaml:"field_id,omitempty"`
	Trigger      string        `yaml:"trigger,omitempty"`
	Deadband     *Deadband     `yaml:"deadband,omitempty"`
	Aggregate    *Aggregate    `yaml:"aggregate,omitempty"`
	Heartbeat    *Heartbeat    `yaml:"heartbeat,omitempty"`
	CyclicRead   bool          `yaml:"cyclic_read,omitempty"`
	MaxCacheAge  time.Duration `yaml:"max_cache_age,omitempty"`
	SkipFirst    bool          `yaml:"skip_first,omitempty"`
	RegisterRead bool          `yaml:"register_read,omitempty"`
}

// Deadband suppresses small changes.
type Deadband struct {
	Type  string  `yaml:"type"`
	Value float64 `yaml:"value"`
}

// Aggregate requests server side aggregation.
type Aggregate struct {
	Type                string        `yaml:"type"`
	ProcessingInterval  time.Duration `yaml:"processing_interval"`
	PercentDataBad      uint8         `yaml:"percent_data_bad,omitempty"`
	PercentDataGood     uint8         `yaml:"percent_data_good,omitempty"`
	TreatUncertainAsBad bool          `yaml:"treat_uncertain_as_bad,omitempty"`
}

// Heartbeat repeats the last value when nothing changes.
type Heartbeat struct {
	Interval time.Duration `yaml:"interval"`
	Behavior []string      `yaml:"behavior,omitempty"`
}

// Event publishes events raised by a notifier.
type Event struct {
	Base `yaml:",inline"`

	// Select lists event fields as browse paths from the event type, e.g. "Severity".
	Select         []string    `yaml:"select,omitempty"`
	TypeDefinition string      `yaml:"type_definition,omitempty"`
	OfType         string      `yaml:"of_type,omitempty"`
	MinSeverity    uint16      `yaml:"min_severity,omitempty"`
	Conditions     *Conditions `yaml:"conditions,omitempty"`
}

// Conditions enables pending condition snapshots.
type Conditions struct {
	UpdateInterval   time.Duration `yaml:"update_interval,omitempty"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval,omitempty"`
}

// ExtensionField adds a constant to every published data set.
type ExtensionField struct {
	ID          string      `yaml:"id,omitempty"`
	DisplayName string      `yaml:"display_name,omitempty"`
	Order       int         `yaml:"order,omitempty"`
	Value       interface{} `yaml:"value"`
}

// Watch re-browses the address space on model changes.
type Watch struct {
	ID             string        `yaml:"id,omitempty"`
	NodeID         string        `yaml:"node_id,omitempty"`
	Root           string        `yaml:"root,omitempty"`
	RebrowsePeriod time.Duration `yaml:"rebrowse_period,omitempty"`
}

func (c *Connection) applyDefaults() {
	if c.Auth.Type == "" && c.Auth.Username != "" {
		c.Auth.Type = "username"
	}
	for i := range c.Subscriptions {
		s := &c.Subscriptions[i]
		if s.Name == "" {
			s.Name = DefaultSubscriptionName
		}
		if s.PublishingInterval == 0 {
			s.PublishingInterval = publisher.DefaultPublishingInterval
		}
		if s.KeepAliveCount == 0 {
			s.KeepAliveCount = publisher.DefaultKeepAliveCount
		}
		if s.LifetimeCount == 0 {
			s.LifetimeCount = publisher.DefaultLifetimeCount
		}
	}
}

// Key builds the connection key of c.
func (c Connection) Key() (publisher.ConnectionKey, error) {
	mode, err := ParseSecurityMode(c.SecurityMode)
	if err != nil {
		return publisher.ConnectionKey{}, err
	}
	policy, err := ParseSecurityPolicy(c.SecurityPolicy)
	if err != nil {
		return publisher.ConnectionKey{}, err
	}
	authType, err := ParseAuthType(c.Auth.Type)
	if err != nil {
		return publisher.ConnectionKey{}, err
	}
	diag, err := ParseDiagnostics(c.Diagnostics)
	if err != nil {
		return publisher.ConnectionKey{}, err
	}

	if mode != publisher.MessageSecurityModeNone && policy == publisher.SecurityPolicyNone {
		return publisher.ConnectionKey{}, fmt.Errorf("security mode %s requires a security policy other than None", mode)
	}
	if (c.Auth.Certificate == "") != (c.Auth.PrivateKey == "") {
		return publisher.ConnectionKey{}, errors.New("both certificate and private_key must be specified together")
	}
	if authType == publisher.UserTokenTypeUserName && c.Auth.Username == "" {
		return publisher.ConnectionKey{}, errors.New("username auth requires a username")
	}
	if authType == publisher.UserTokenTypeCertificate && c.Auth.Certificate == "" {
		return publisher.ConnectionKey{}, errors.New("certificate auth requires certificate and private_key")
	}

	return publisher.NewConnectionKey(publisher.ConnectionDescriptor{
		EndpointURL:     c.Endpoint,
		AlternativeURLs: c.AlternativeURLs,
		SecurityMode:    mode,
		SecurityPolicy:  policy,
		Credential: publisher.Credential{
			Type:            authType,
			Username:        c.Auth.Username,
			Password:        c.Auth.Password,
			CertificateFile: c.Auth.Certificate,
			PrivateKeyFile:  c.Auth.PrivateKey,
		},
		Diagnostics: diag,
	})
}

// Groups converts every configured subscription into a subscription group.
// Errors from all connections and items are joined.
func (c *Config) Groups() ([]publisher.SubscriptionGroup, error) {
	var (
		groups []publisher.SubscriptionGroup
		errs   []error
		seen   = make(map[publisher.SubscriptionIdentifier]bool)
	)
	for i, conn := range c.Connections {
		key, err := conn.Key()
		if err != nil {
			errs = append(errs, fmt.Errorf("connections[%d]: %w", i, err))
			continue
		}
		for j, s := range conn.Subscriptions {
			g, err := s.group(key)
			if err != nil {
				errs = append(errs, fmt.Errorf("connections[%d].subscriptions[%d]: %w", i, j, err))
				continue
			}
			if seen[g.ID()] {
				errs = append(errs, fmt.Errorf("connections[%d].subscriptions[%d]: duplicate subscription %q", i, j, s.Name))
				continue
			}
			seen[g.ID()] = true
			groups = append(groups, g)
		}
	}
	return groups, errors.Join(errs...)
}

func (s Subscription) group(key publisher.ConnectionKey) (publisher.SubscriptionGroup, error) {
	id := publisher.NewSubscriptionIdentifier(key, s.Name)
	cfg := publisher.PublishingConfig{
		PublishingInterval:         s.PublishingInterval,
		LifetimeCount:              s.LifetimeCount,
		KeepAliveCount:             s.KeepAliveCount,
		Priority:                   s.Priority,
		MaxNotificationsPerPublish: s.MaxNotificationsPerPublish,
		ResolveDisplayName:         s.ResolveDisplayName,
		PublishImmediately:         s.PublishImmediately,
		SequentialPublishing:       s.SequentialPublishing,
		AsyncMetaDataLoadThreshold: s.AsyncMetaDataLoadThreshold,
	}
	if m := s.MetaData; m != nil {
		md := &publisher.MetaDataDescriptor{
			Name:         m.Name,
			Description:  m.Description,
			MajorVersion: m.MajorVersion,
			MinorVersion: m.MinorVersion,
		}
		if m.ClassID != "" {
			u, err := uuid.Parse(m.ClassID)
			if err != nil {
				return publisher.SubscriptionGroup{}, fmt.Errorf("metadata class_id: %w", err)
			}
			md.ClassID = u
		}
		cfg.MetaData = md
	}

	var (
		items []publisher.MonitoredItemSpec
		errs  []error
	)
	for i, n := range s.Nodes {
		d, err := n.item(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("nodes[%d]: %w", i, err))
			continue
		}
		items = append(items, d)
	}
	for i, e := range s.Events {
		ev, err := e.item()
		if err != nil {
			errs = append(errs, fmt.Errorf("events[%d]: %w", i, err))
			continue
		}
		items = append(items, ev)
	}
	for i, f := range s.ExtensionFields {
		x, err := publisher.NewExtensionField(publisher.ExtensionField{
			ItemBase: publisher.ItemBase{ID: f.ID, DisplayName: f.DisplayName, Order: f.Order},
			Value:    publisher.NewVariant(f.Value),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("extension_fields[%d]: %w", i, err))
			continue
		}
		items = append(items, x)
	}
	if w := s.WatchAddressSpace; w != nil {
		x, err := publisher.NewAddressSpaceWatch(publisher.AddressSpaceWatch{
			ItemBase:       publisher.ItemBase{ID: w.ID, StartNodeID: w.NodeID},
			RebrowsePeriod: w.RebrowsePeriod,
			RootNodeID:     w.Root,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("watch_address_space: %w", err))
		} else {
			items = append(items, x)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return publisher.SubscriptionGroup{}, err
	}

	g := publisher.NewSubscriptionGroup(id, cfg, items...)
	if err := g.Validate(); err != nil {
		return publisher.SubscriptionGroup{}, err
	}
	return g, nil
}

func (b Base) itemBase() (publisher.ItemBase, error) {
	mode, err := ParseMode(b.Mode)
	if err != nil {
		return publisher.ItemBase{}, err
	}
	return publisher.ItemBase{
		ID:               b.ID,
		DisplayName:      b.DisplayName,
		StartNodeID:      b.NodeID,
		BrowsePath:       b.BrowsePath,
		IndexRange:       b.IndexRange,
		SamplingInterval: b.SamplingInterval,
		QueueSize:        b.QueueSize,
		DiscardNew:       b.DiscardNew,
		Mode:             mode,
		Order:            b.Order,
	}, nil
}

func (n Node) item(id publisher.SubscriptionIdentifier) (publisher.DataItem, error) {
	base, err := n.itemBase()
	if err != nil {
		return publisher.DataItem{}, err
	}
	if base.Attribute, err = ParseAttribute(n.Attribute); err != nil {
		return publisher.DataItem{}, err
	}
	d := publisher.DataItem{
		ItemBase:     base,
		RegisterRead: n.RegisterRead,
		CyclicRead:   n.CyclicRead,
		MaxCacheAge:  n.MaxCacheAge,
		SkipFirst:    n.SkipFirst,
	}

	if n.Trigger != "" || n.Deadband != nil {
		trigger, err := ParseTrigger(n.Trigger)
		if err != nil {
			return publisher.DataItem{}, err
		}
		f := &publisher.DataChangeFilter{Trigger: trigger}
		if n.Deadband != nil {
			if f.DeadbandType, err = ParseDeadbandType(n.Deadband.Type); err != nil {
				return publisher.DataItem{}, err
			}
			v := n.Deadband.Value
			f.DeadbandValue = &v
		}
		d.DataChangeFilter = f
	}
	if a := n.Aggregate; a != nil {
		t, err := publisher.ParseNodeID(a.Type)
		if err != nil {
			return publisher.DataItem{}, fmt.Errorf("aggregate type: %w", err)
		}
		d.AggregateFilter = &publisher.AggregateFilter{
			AggregateType:      t,
			ProcessingInterval: a.ProcessingInterval,
			Configuration: publisher.AggregateConfiguration{
				UseServerCapabilitiesDefaults: a.PercentDataBad == 0 && a.PercentDataGood == 0,
				TreatUncertainAsBad:           a.TreatUncertainAsBad,
				PercentDataBad:                a.PercentDataBad,
				PercentDataGood:               a.PercentDataGood,
			},
		}
	}
	if h := n.Heartbeat; h != nil {
		behavior, err := ParseHeartbeatBehavior(h.Behavior)
		if err != nil {
			return publisher.DataItem{}, err
		}
		d.HeartbeatInterval = h.Interval
		d.HeartbeatBehavior = behavior
	}

	d, err = publisher.NewDataItem(d)
	if err != nil {
		return publisher.DataItem{}, err
	}
	if n.FieldID != "" {
		if d.DataSetClassFieldID, err = uuid.Parse(n.FieldID); err != nil {
			return publisher.DataItem{}, fmt.Errorf("field_id: %w", err)
		}
	} else {
		d.DataSetClassFieldID = FieldID(id, d.ItemID())
	}
	return d, nil
}

// FieldID derives a stable data set field id from the subscription and item
// ids, so reloading an unchanged file yields identical items.
func FieldID(id publisher.SubscriptionIdentifier, itemID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(id.String()+"#"+itemID))
}

func (e Event) item() (publisher.EventItem, error) {
	base, err := e.itemBase()
	if err != nil {
		return publisher.EventItem{}, err
	}

	typeDef := publisher.BaseEventType
	if e.TypeDefinition != "" {
		if typeDef, err = publisher.ParseNodeID(e.TypeDefinition); err != nil {
			return publisher.EventItem{}, fmt.Errorf("type_definition: %w", err)
		}
	}

	var filter publisher.EventFilter
	if len(e.Select) == 0 {
		filter.SelectClauses = publisher.DefaultEventSelectClauses()
	}
	for _, s := range e.Select {
		rp, err := publisher.ParseRelativePath(s)
		if err != nil {
			return publisher.EventItem{}, fmt.Errorf("select %q: %w", s, err)
		}
		op := publisher.SimpleAttributeOperand{
			TypeDefinitionID: typeDef,
			AttributeID:      publisher.AttributeValue,
		}
		for _, el := range rp.Elements {
			op.BrowsePath = append(op.BrowsePath, el.TargetName)
		}
		filter.SelectClauses = append(filter.SelectClauses, op)
	}
	if filter.WhereClause, err = e.where(); err != nil {
		return publisher.EventItem{}, err
	}

	ev := publisher.EventItem{ItemBase: base, Filter: filter}
	if c := e.Conditions; c != nil {
		ev.Conditions = &publisher.ConditionHandling{
			UpdateInterval:   c.UpdateInterval,
			SnapshotInterval: c.SnapshotInterval,
		}
	}
	return publisher.NewEventItem(ev)
}

// where builds the content filter for of_type and min_severity. Both
// conditions are combined with And at element 0.
func (e Event) where() (*publisher.ContentFilter, error) {
	var elements []publisher.ContentFilterElement
	if e.OfType != "" {
		t, err := publisher.ParseNodeID(e.OfType)
		if err != nil {
			return nil, fmt.Errorf("of_type: %w", err)
		}
		elements = append(elements, publisher.ContentFilterElement{
			Operator: publisher.FilterOperatorOfType,
			Operands: []publisher.FilterOperand{publisher.LiteralOperand{Value: publisher.NewVariant(t)}},
		})
	}
	if e.MinSeverity > 0 {
		elements = append(elements, publisher.ContentFilterElement{
			Operator: publisher.FilterOperatorGreaterThanOrEqual,
			Operands: []publisher.FilterOperand{
				publisher.SimpleAttributeOperand{
					TypeDefinitionID: publisher.BaseEventType,
					BrowsePath:       []publisher.QualifiedName{{Name: "Severity"}},
					AttributeID:      publisher.AttributeValue,
				},
				publisher.LiteralOperand{Value: publisher.NewVariant(e.MinSeverity)},
			},
		})
	}

	switch len(elements) {
	case 0:
		return nil, nil
	case 1:
		return &publisher.ContentFilter{Elements: elements}, nil
	}
	and := publisher.ContentFilterElement{
		Operator: publisher.FilterOperatorAnd,
		Operands: []publisher.FilterOperand{
			publisher.ElementOperand{Index: 1},
			publisher.ElementOperand{Index: 2},
		},
	}
	return &publisher.ContentFilter{Elements: append([]publisher.ContentFilterElement{and}, elements...)}, nil
}
