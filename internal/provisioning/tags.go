package provisioning

// TestRunTagPrefix prefixes the tag that scopes janitor sweeps to one test run.
const TestRunTagPrefix = "mriya-test-run-"

// TestRunTag returns the tag applied to resources created during test run id.
func TestRunTag(id string) string {
	return TestRunTagPrefix + id
}

func instanceTags(testRunID string) []string {
	tags := []string{"mriya", "ephemeral"}
	if testRunID != "" {
		tags = append(tags, TestRunTag(testRunID))
	}
	return tags
}

func volumeTags(testRunID string) []string {
	if testRunID == "" {
		return nil
	}
	return []string{TestRunTag(testRunID)}
}
