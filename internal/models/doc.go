// Package models defines the records that flow through the health-data
// pipeline: parsed spreadsheet rows, derived drink events, weekly aggregates
// and the store metadata that signals readiness to readers.
//
// The types carry no persistence logic. Each stage of the pipeline produces or
// annotates them and the store package maps them onto tables.
package models
