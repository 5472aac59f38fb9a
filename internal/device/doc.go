// Package device holds the canonical model of a drying appliance and the
// translation between that model and the firmware's on-wire records.
//
// Device firmware publishes records with its own field names (relay1Status
// for the heater, a single "online" flag for both links, and so on). All of
// that knowledge lives in the Field tables in translate.go: each canonical
// field has exactly one remote key and one default, and the Translate*
// functions are pure and cannot fail.
//
// Record shapes:
//
//	devices/{id}/current      -> Status    (StatusFields)
//	devices/{id}/deviceInfo   -> Info      (InfoFields)
//	devices/{id}/settings     -> Settings  (SettingsFields)
//	devices/{id}/commands     <-> Command  (CommandFields, written as "action")
//	devices/{id}/history/{k}  -> Reading   (ReadingFields, ReadingFromHistory)
//
// History entries are the one place a record can be rejected outright:
// ReadingFromHistory returns ErrMalformedRecord for entries that are not
// objects or carry no usable timestamp, and callers drop them.
//
// All timestamps are milliseconds since the Unix epoch, matching the wire.
package device
