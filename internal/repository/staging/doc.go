// Package staging implements the temporary payload tree of a packaging run.
//
// A Tree mirrors the endpoint layout (<root>/usr/local/sal/external_scripts),
// receives one directory per plugin namespace and one executable file per
// script, and is handed to the packaging tool as its payload root.
package staging
