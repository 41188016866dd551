// Package protocol implements the framed message protocol spoken between
// the NNTSC server and its clients.
//
// Every message starts with a fixed 4 byte header, big-endian:
//
//	version:u8 | type:u8 | bodylen:u16
//
// followed by bodylen bytes of body. The header version is 1.
//
// REQUEST bodies are a fixed 12 byte struct, big-endian:
//
//	reqtype:u32 | collection:u32 | start:u32
//
// Every other body is a single JSON object. The field mapping per type:
//
//	VERSION_CHECK   {"version": string}
//	COLLECTIONS     {"collections": [{id, module, modsubtype, streamtable, datatable}, ...]}
//	SCHEMAS         {"collection": int, "streamschema": [string], "dataschema": [string]}
//	STREAMS         {"collection": int, "more": bool, "streams": [{column: value, ...}, ...]}
//	HISTORY         {"collection": string, "label": string, "data": [{...}], "more": bool,
//	                 "binsize": int, "freq": int}
//	LIVE            {"collection": string, "streamid": int, "data": {column: value, ...}}
//	PUSH            {"collection": int, "timestamp": int}
//	SUBSCRIBE       {"name": string, "start": int, "end": int, "columns": [string],
//	                 "labels": {label: [streamid]}, "aggs": [string]}
//	AGGREGATE       {"collection": int, "start": int, "end": int, "labels": {...},
//	                 "aggcolumns": [string], "groupcolumns": [string], "binsize": int,
//	                 "aggfunc": string}
//	PERCENTILE      {"collection": int, "start": int, "end": int, "labels": {...},
//	                 "binsize": int, "ntilecolumns": [string], "othercolumns": [string],
//	                 "ntileaggfunc": string, "otheraggfunc": string}
//	QUERY_CANCELLED {"request": int, "context": {...}}
//
// HISTORY bodies are deflate-compressed (RFC 1950 zlib) after encoding;
// bodylen is the compressed length. A HISTORY chunk whose encoded body
// would exceed the u16 length limit must be split by the sender.
//
// QUERY_CANCELLED context shape depends on the request field: SCHEMAS
// carries {"colid": int}; STREAMS carries {"collection": int, "boundary":
// int} (the highest stream id already delivered); HISTORY carries
// {"collection": string, "labels": {...}, "start": int, "end": int,
// "more": bool} so the client knows whether a retry is worthwhile.
//
// Timestamps are whole seconds throughout. Null measurement cells are
// JSON null; array columns are JSON arrays.
package protocol
