package harness

// Operation is a GraphQL document sent by the checks.
type Operation struct {
	Name     string
	Document string
}

const (
	IntrospectionQuery = `query IntrospectionQuery {
	__schema {
		queryType { name fields { name } }
		mutationType { name fields { name } }
	}
}`

	GetAllLocationsQuery = `query getAllLocations {
	getAllLocations {
		locationid
		name
		description
		imageUrl
		timestamp
	}
}`

	CreateLocationMutation = `mutation createLocation($name: String!, $description: String!, $imageUrl: String!) {
	createLocation(name: $name, description: $description, imageUrl: $imageUrl) {
		locationid
		name
		description
		imageUrl
		timestamp
	}
}`
)

// Operations returns every document the checks send.
func Operations() []Operation {
	return []Operation{
		{Name: "IntrospectionQuery", Document: IntrospectionQuery},
		{Name: "getAllLocations", Document: GetAllLocationsQuery},
		{Name: "createLocation", Document: CreateLocationMutation},
	}
}

// createLocationVariables are the variables of the create mutation sent by
// the standard identity.
func createLocationVariables(runID string) map[string]interface{} {
	return map[string]interface{}{
		"name":        "harness location " + runID,
		"description": "created by the access checks",
		"imageUrl":    "https://www.example.com/image.jpg",
	}
}
