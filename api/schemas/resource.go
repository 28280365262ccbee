package schemas

// Resource types, as reported by the browser for each network request. They
// drive both cache policy and resource blocking.
const (
	ResourceDocument   = "document"
	ResourceStylesheet = "stylesheet"
	ResourceScript     = "script"
	ResourceImage      = "image"
	ResourceFont       = "font"
	ResourceMedia      = "media"
	ResourceXHR        = "xhr"
	ResourceFetch      = "fetch"
	ResourceOther      = "other"
)
