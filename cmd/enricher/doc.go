// Command enricher adds SNAC ARK identifiers to ArchivesSpace agent records
// listed in a reconciliation dataset, recording every decision in an
// append-only ledger so runs can be resumed and audited.
package main
