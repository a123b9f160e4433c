// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"sync"

	"github.com/juju/sonar/core/namespace"
)

// WidgetType is the type name of the fixture object.
const WidgetType = "widget"

// Widget is a simple object type used by tests.
type Widget struct {
	name string

	mu        sync.Mutex
	size      int32
	color     string
	destroyed bool
}

// NewWidget returns a widget with no attributes set.
func NewWidget(name string) *Widget {
	return &Widget{name: name}
}

func (w *Widget) TypeName() string { return WidgetType }
func (w *Widget) Name() string     { return w.name }

// Destroy marks the widget as destroyed.
func (w *Widget) Destroy() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = true
	return nil
}

// Destroyed reports whether Destroy was called.
func (w *Widget) Destroyed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.destroyed
}

func (w *Widget) Size() int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *Widget) SetSize(size int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.size = size
}

func (w *Widget) Color() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.color
}

func (w *Widget) SetColor(color string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.color = color
}

// widgetFields is implemented by *Widget and by types embedding it.
type widgetFields interface {
	Size() int32
	SetSize(int32)
	Color() string
	SetColor(string)
}

// WidgetSchema describes the widget type.
var WidgetSchema = namespace.MustNewSchema(WidgetType,
	func(name string) namespace.SonarObject { return NewWidget(name) },
	namespace.Attribute{
		Name: "size",
		Type: namespace.Type{Kind: namespace.Int},
		Get:  func(o namespace.SonarObject) interface{} { return o.(widgetFields).Size() },
		Set: func(o namespace.SonarObject, v interface{}) error {
			size, _ := v.(int32)
			o.(widgetFields).SetSize(size)
			return nil
		},
	},
	namespace.Attribute{
		Name: "color",
		Type: namespace.Type{Kind: namespace.String},
		Get:  func(o namespace.SonarObject) interface{} { return o.(widgetFields).Color() },
		Set: func(o namespace.SonarObject, v interface{}) error {
			color, _ := v.(string)
			o.(widgetFields).SetColor(color)
			return nil
		},
	},
)
