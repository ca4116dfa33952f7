// Package config loads device description files.
//
// A file names the device identity, its single configuration and the list
// of functions (class drivers) to register. YAML (.yaml, .yml) and TOML
// (.toml) are supported:
//
//	device:
//	  vendorId: 0xCAFE
//	  vendorName: Acme
//	  productId: 0x0001
//	  productName: Widget
//	  version: "1.0"
//	  serial: "0123AB"
//	  configuration:
//	    maxCurrentMA: 100
//	functions:
//	  - kind: hid
//	    report: keyboard
//	    boot: true
//	  - kind: cdc
//	    name: Console
//	    echo: true
//
// Endpoint addresses left at zero are allocated in function order.
// [File.Build] validates the file and assembles a device ready to hand to
// a stack.
package config
