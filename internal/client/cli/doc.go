// Package cli is the interactive front end of the record store: it wires
// the storage core together and drives it from a small REPL.
//
// Commands
//
//	help                     show available commands
//	login | logout | whoami  session handling
//	users | adduser          credential table (adding needs root)
//	add                      create or overwrite the record of a date
//	(l)ist | show <id>       read records
//	delete <id>              remove a record
//	presets                  list presets
//	addpreset <name>         add a preset
//	editpreset <n> <name>    rename preset number n
//	delpreset <n>            remove preset number n
//	backups | restore        inspect and restore backup snapshots
//	refresh                  re-read records from the store
//	status                   storage, sync and replication state
//	exit | quit              leave the program
package cli
