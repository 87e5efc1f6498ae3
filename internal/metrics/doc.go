// Package metrics exposes chatring counters in Prometheus format.
//
// A Collector owns a private registry rather than the global default, so
// tests and multiple in-process peers never collide on registration. All
// recording methods are safe on a nil *Collector, which lets components
// treat metrics as optional.
package metrics
